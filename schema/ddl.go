package schema

import _ "embed"

// PostgresDDL creates the events and audit tables in PostgreSQL.
//
//go:embed postgres.sql
var PostgresDDL string

// SpannerDDL creates the events and audit tables in Cloud Spanner.
//
//go:embed spanner.sql
var SpannerDDL string
