// Copyright 2026 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mterrors

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE class 08 covers connection exceptions.
const connectionExceptionClass = "08"

// PgDiagnostic is a PostgreSQL error or notice in driver-independent form.
type PgDiagnostic struct {
	// MessageType is 'E' for ErrorResponse and 'N' for NoticeResponse.
	MessageType   byte
	Severity      string
	Code          string
	Message       string
	Detail        string
	Hint          string
	Position      int32
	InternalQuery string
	Where         string
	Schema        string
	Table         string
	Column        string
	DataType      string
	Constraint    string
}

// FromPQ converts a lib/pq error into a PgDiagnostic.
func FromPQ(e *pq.Error) *PgDiagnostic {
	if e == nil {
		return nil
	}
	pos, _ := strconv.Atoi(e.Position)
	return &PgDiagnostic{
		MessageType:   'E',
		Severity:      e.Severity,
		Code:          string(e.Code),
		Message:       e.Message,
		Detail:        e.Detail,
		Hint:          e.Hint,
		Position:      int32(pos),
		InternalQuery: e.InternalQuery,
		Where:         e.Where,
		Schema:        e.Schema,
		Table:         e.Table,
		Column:        e.Column,
		DataType:      e.DataTypeName,
		Constraint:    e.Constraint,
	}
}

// FromPgConn converts a pgx server error into a PgDiagnostic.
func FromPgConn(e *pgconn.PgError) *PgDiagnostic {
	if e == nil {
		return nil
	}
	return &PgDiagnostic{
		MessageType:   'E',
		Severity:      e.Severity,
		Code:          e.Code,
		Message:       e.Message,
		Detail:        e.Detail,
		Hint:          e.Hint,
		Position:      e.Position,
		InternalQuery: e.InternalQuery,
		Where:         e.Where,
		Schema:        e.SchemaName,
		Table:         e.TableName,
		Column:        e.ColumnName,
		DataType:      e.DataTypeName,
		Constraint:    e.ConstraintName,
	}
}

// AsPgDiagnostic extracts a PgDiagnostic from err, whether err carries one
// directly or wraps a *pq.Error or *pgconn.PgError.
func AsPgDiagnostic(err error) (*PgDiagnostic, bool) {
	var diag *PgDiagnostic
	if errors.As(err, &diag) {
		return diag, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return FromPQ(pqErr), true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return FromPgConn(pgErr), true
	}
	return nil, false
}

// SQLSTATEClass returns the first two characters of the SQLSTATE code, or ""
// if the code is too short.
func (d *PgDiagnostic) SQLSTATEClass() string {
	if len(d.Code) < 2 {
		return ""
	}
	return d.Code[:2]
}

// IsClass reports whether the SQLSTATE code belongs to class.
func (d *PgDiagnostic) IsClass(class string) bool {
	return d.SQLSTATEClass() == class
}

// IsFatal reports whether the session was terminated (FATAL or PANIC).
func (d *PgDiagnostic) IsFatal() bool {
	return d.Severity == "FATAL" || d.Severity == "PANIC"
}

// Error returns the PostgreSQL-native "SEVERITY: message" line.
func (d *PgDiagnostic) Error() string {
	if d == nil {
		return "ERROR: unknown error"
	}
	return d.Severity + ": " + d.Message
}

// FullError returns the error with its SQLSTATE code appended.
func (d *PgDiagnostic) FullError() string {
	if d == nil {
		return "ERROR: unknown error (SQLSTATE 00000)"
	}
	return d.Error() + " (SQLSTATE " + d.Code + ")"
}

// IsConnectionError reports whether err means the database session is no
// longer usable. That covers driver and database/sql connection errors,
// network failures and streams cut off mid-message, and server-reported
// connection exceptions or fatal errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	diag, ok := AsPgDiagnostic(err)
	if !ok {
		return false
	}
	return diag.IsFatal() || diag.IsClass(connectionExceptionClass)
}
