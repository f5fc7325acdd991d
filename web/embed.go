package web

import "embed"

// FS holds the dashboard served by the obdsec web server.
//
//go:embed *.html *.css *.js
var FS embed.FS
