package web

import (
	"embed"
)

// staticFiles holds the control page and its stylesheet.
//
//go:embed static/*
var staticFiles embed.FS
