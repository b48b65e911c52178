// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// dialectorFor maps a DSN to a gorm dialector. PostgreSQL is the only
// supported backend; embedders that want a different database construct
// their own *gorm.DB and wire it through task.NewDatabaseStore.
func dialectorFor(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}
