// Package xid generates prefixed unique identifiers, e.g. "sale-3f2a...".
package xid

import (
	"github.com/google/uuid"
)

func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
