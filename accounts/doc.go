// Package accounts persists account records, their email addresses and
// registered devices.
//
// [Memory] is an in-process implementation for tests and development;
// [SQLStore] runs on sqlite (modernc.org/sqlite) or postgres (lib/pq) through
// sqlx, with the schema applied by embedded goose migrations.
package accounts
