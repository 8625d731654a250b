//go:build !embed
// +build !embed

package main

import "embed"

// Empty when built without the embed tag; static files are then served from UIPath
var uiFiles embed.FS
