// Package migrations содержит goose миграции, встроенные в бинарник.
// App применяет их при старте, integration тесты - при поднятии контейнера.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
