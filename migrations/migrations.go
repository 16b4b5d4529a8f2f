// Package migrations содержит SQL-миграции схемы для goose.
//
// Файлы именуются YYYYMMDDHHMMSS_description.sql и применяются по порядку
// при старте сервисов.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
