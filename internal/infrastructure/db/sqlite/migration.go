package sqlitedb

import "embed"

//go:embed migration/*.sql
var Migrations embed.FS

const MigrationsDir = "migration"
