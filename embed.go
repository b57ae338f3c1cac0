package articleui

import "embed"

// TemplateFS contains the embedded HTML templates of the chat view, split into layouts, pages, and the
// partials that are re-rendered while a reply streams.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded static assets of the chat view.
//
//go:embed static/*
var StaticFS embed.FS
