// Package templates embeds the default configuration and policy files
// written by warden init.
package templates

import "embed"

//go:embed config.yaml policies
var FS embed.FS
