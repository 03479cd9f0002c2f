// Package templates embeds the example configuration written by `experian init`.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
