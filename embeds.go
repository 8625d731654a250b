//go:build embed
// +build embed

package main

import "embed"

//go:embed web/static/*
var uiFiles embed.FS
