// Package webapp provides the embedded static files for the demo web app.
package webapp

import "embed"

//go:embed index.html login.html css js
var Assets embed.FS
