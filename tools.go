//go:build tools

package tomcast

import (
	_ "github.com/golang/mock/mockgen"
)
