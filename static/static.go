// Package static holds the single-page UI served at /.
package static

import _ "embed"

//go:embed index.html
var Index []byte
