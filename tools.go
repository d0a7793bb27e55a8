//go:build tools

// Package tools tracks code generators used via go generate so their
// versions are pinned in go.mod.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
