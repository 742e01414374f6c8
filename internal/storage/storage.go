// Package storage provides the SQLite chunk store and disk usage helpers.
package storage

import "github.com/hyperjump/kizami/internal/vector"

var _ vector.Store = (*SQLiteStore)(nil)
