// Package ui embeds the server-rendered pages.
package ui

import "embed"

//go:embed *.html
var Templates embed.FS
