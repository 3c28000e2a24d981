// Package database provides SQLite connectivity for the update server.
//
// This package manages:
//   - A single-connection handle that serialises every read and write
//   - Transactions for read-modify-write sequences (WithTx)
//   - Schema migrations loaded from an fs.FS
//   - Shared timestamp encoding for all tables
//
// Devices, firmware and history records are written from three event
// sources at once (HTTP, the panel WebSocket and MQTT). Pinning the pool to
// one connection and wrapping multi-statement updates in WithTx is what
// keeps those writers from interleaving.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only. New columns must be NULLABLE or carry a
// DEFAULT. Files are named YYYYMMDD_HHMMSS_description.up.sql.
package database
