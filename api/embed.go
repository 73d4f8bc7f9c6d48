// Package api embeds the OpenAPI description of the HTTP interface.
package api

import _ "embed"

// Spec is the raw openapi.yaml document.
//
//go:embed openapi.yaml
var Spec []byte
