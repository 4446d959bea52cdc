//go:build integration

package store

import (
	"testing"

	"github.com/mbd888/escrowd/internal/testutil"
)

func TestPostgres(t *testing.T) {
	runSuite(t, func(t *testing.T) Store {
		return NewPostgres(testutil.PGTest(t))
	})
}
