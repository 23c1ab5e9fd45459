package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"faa_sync/internal/registry"
)

// timeLayout stores timestamps as fixed-width text in SQLite so that they
// sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dialect captures the differences between the SQL the backends accept.
type dialect struct {
	placeholder func(n int) string
	date        func(t *time.Time) any
	timestamp   func(t time.Time) any
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	date: func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return t.Format(time.DateOnly)
	},
	timestamp: func(t time.Time) any {
		if t.IsZero() {
			return nil
		}
		return t.UTC().Format(timeLayout)
	},
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	date: func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return *t
	},
	timestamp: func(t time.Time) any {
		if t.IsZero() {
			return nil
		}
		return t.UTC()
	},
}

// placeholders returns n comma-separated placeholders starting at from.
func (d dialect) placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.placeholder(from + i)
	}
	return strings.Join(ph, ", ")
}

// table describes one registry table. Every table also has row_hash and
// sync_run_id columns after its data columns.
type table struct {
	name    string
	key     string
	columns []string
}

var modelsTable = table{
	name: "aircraft_models",
	key:  "code",
	columns: []string{
		"manufacturer_code", "model_code", "manufacturer_name", "model_name",
		"aircraft_type", "engine_type", "category", "builder_cert",
		"engines", "seats", "weight_class", "cruising_speed",
		"tc_data_sheet", "tc_data_holder",
	},
}

var enginesTable = table{
	name: "engine_models",
	key:  "code",
	columns: []string{
		"manufacturer_name", "model_name", "engine_type", "horsepower", "thrust",
	},
}

var aircraftTable = table{
	name: "aircraft",
	key:  "tail_number",
	columns: []string{
		"serial_number", "model_code", "engine_code", "year_mfr",
		"registrant_type", "registrant_name", "street", "street2",
		"city", "state", "zip_code", "region", "county", "country",
		"last_action_date", "cert_issue_date", "certification",
		"aircraft_type", "engine_type", "status_code",
		"mode_s_code", "mode_s_code_hex", "fractional_owner",
		"airworthiness_date", "expiration_date", "unique_id",
		"kit_manufacturer", "kit_model",
		"other_name_1", "other_name_2", "other_name_3", "other_name_4", "other_name_5",
	},
}

// addedAircraftColumns were added after the first schema and are created on
// older databases by Migrate.
var addedAircraftColumns = []string{
	"other_name_1", "other_name_2", "other_name_3", "other_name_4", "other_name_5",
}

func tableFor(kind registry.Kind) (table, error) {
	switch kind {
	case registry.KindModel:
		return modelsTable, nil
	case registry.KindEngine:
		return enginesTable, nil
	case registry.KindAircraft:
		return aircraftTable, nil
	default:
		return table{}, fmt.Errorf("storage: unknown record kind %q", kind)
	}
}

// upsertSQL inserts a row or overwrites every column of the existing one.
func (t table) upsertSQL(d dialect) string {
	cols := make([]string, 0, len(t.columns)+3)
	cols = append(cols, t.key)
	cols = append(cols, t.columns...)
	cols = append(cols, "row_hash", "sync_run_id")

	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = excluded."+c)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		t.name, strings.Join(cols, ", "), d.placeholders(1, len(cols)), t.key, strings.Join(sets, ", "))
}

func (t table) deleteStaleSQL(d dialect) string {
	return fmt.Sprintf("DELETE FROM %s WHERE sync_run_id <> %s", t.name, d.placeholder(1))
}

// tableRow is one record flattened into column values.
type tableRow struct {
	key    string
	hash   string
	values []any
}

func (r tableRow) args(runID string) []any {
	args := make([]any, 0, len(r.values)+3)
	args = append(args, r.key)
	args = append(args, r.values...)
	return append(args, r.hash, runID)
}

func modelRows(batch []registry.AircraftModel) []tableRow {
	rows := make([]tableRow, len(batch))
	for i, m := range batch {
		rows[i] = tableRow{
			key:  m.Code,
			hash: m.Hash(),
			values: []any{
				nullStr(m.ManufacturerCode()), nullStr(m.ModelCode()),
				nullStr(m.ManufacturerName), nullStr(m.ModelName),
				nullStr(m.AircraftType), nullStr(m.EngineType),
				nullStr(m.Category), nullStr(m.BuilderCert),
				nullInt(m.Engines), nullInt(m.Seats),
				nullStr(m.WeightClass), nullInt(m.CruisingSpeed),
				nullStr(m.TCDataSheet), nullStr(m.TCDataHolder),
			},
		}
	}
	return rows
}

func engineRows(batch []registry.EngineModel) []tableRow {
	rows := make([]tableRow, len(batch))
	for i, e := range batch {
		rows[i] = tableRow{
			key:  e.Code,
			hash: e.Hash(),
			values: []any{
				nullStr(e.ManufacturerName), nullStr(e.ModelName),
				nullStr(e.EngineType), nullInt(e.Horsepower), nullInt(e.Thrust),
			},
		}
	}
	return rows
}

func aircraftRows(d dialect, batch []registry.AircraftRecord) []tableRow {
	rows := make([]tableRow, len(batch))
	for i, a := range batch {
		rows[i] = tableRow{
			key:  a.TailNumber,
			hash: a.Hash(),
			values: []any{
				nullStr(a.SerialNumber), nullStr(a.ModelCode), nullStr(a.EngineCode),
				nullInt(a.YearMfr),
				nullStr(a.RegistrantType), nullStr(a.RegistrantName),
				nullStr(a.Street), nullStr(a.Street2),
				nullStr(a.City), nullStr(a.State), nullStr(a.ZipCode),
				nullStr(a.Region), nullStr(a.County), nullStr(a.Country),
				d.date(a.LastActionDate), d.date(a.CertIssueDate),
				nullStr(a.Certification),
				nullStr(a.AircraftType), nullStr(a.EngineType), nullStr(a.StatusCode),
				nullStr(a.ModeSCode), nullStr(a.ModeSCodeHex), nullStr(a.FractionalOwner),
				d.date(a.AirworthinessDate), d.date(a.ExpirationDate),
				nullStr(a.UniqueID),
				nullStr(a.KitManufacturer), nullStr(a.KitModel),
				nullStr(a.OtherNames[0]), nullStr(a.OtherNames[1]), nullStr(a.OtherNames[2]),
				nullStr(a.OtherNames[3]), nullStr(a.OtherNames[4]),
			},
		}
	}
	return rows
}

// classify compares a batch with the hashes already stored for its keys.
// Rows whose hash differs are returned for writing; the keys of identical
// rows only need their run stamp refreshed.
func classify(rows []tableRow, stored map[string]string) (write []tableRow, touch []string, counts UpsertCounts) {
	for _, r := range rows {
		h, ok := stored[r.key]
		switch {
		case !ok:
			write = append(write, r)
			counts.Inserted++
		case h != r.hash:
			write = append(write, r)
			counts.Updated++
		default:
			touch = append(touch, r.key)
			counts.Unchanged++
		}
	}
	return write, touch, counts
}

func keysOf(rows []tableRow) []string {
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.key
	}
	return keys
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

// Run history.

const runColumns = `id, started_at, finished_at, outcome, failed_step, archive_hash, archive_size,
	models, engines, aircraft, inserted, updated, deleted, unresolved, warnings, error_message`

func insertRunSQL(d dialect) string {
	return "INSERT INTO sync_runs (" + runColumns + ") VALUES (" + d.placeholders(1, 16) + ")"
}

func runArgs(d dialect, r SyncRun) []any {
	return []any{
		r.ID, d.timestamp(r.StartedAt), d.timestamp(r.FinishedAt), string(r.Outcome),
		nullStr(r.FailedStep), nullStr(r.ArchiveHash), r.ArchiveSize,
		r.Models, r.Engines, r.Aircraft,
		r.Inserted, r.Updated, r.Deleted, r.Unresolved, r.Warnings,
		nullStr(r.Error),
	}
}

func lastProcessedRunSQL(d dialect) string {
	return "SELECT " + runColumns + " FROM sync_runs WHERE outcome <> " + d.placeholder(1) +
		" ORDER BY started_at DESC LIMIT 1"
}

func recentRunsSQL(d dialect) string {
	return "SELECT " + runColumns + " FROM sync_runs ORDER BY started_at DESC LIMIT " + d.placeholder(1)
}

// scanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (SyncRun, error) {
	var (
		r                                     SyncRun
		outcome                               string
		started, finished                     nullTime
		failedStep, archiveHash, errorMessage sql.NullString
	)
	err := row.Scan(&r.ID, &started, &finished, &outcome, &failedStep, &archiveHash, &r.ArchiveSize,
		&r.Models, &r.Engines, &r.Aircraft,
		&r.Inserted, &r.Updated, &r.Deleted, &r.Unresolved, &r.Warnings,
		&errorMessage)
	if err != nil {
		return SyncRun{}, err
	}
	r.StartedAt = started.Time
	r.FinishedAt = finished.Time
	r.Outcome = Outcome(outcome)
	r.FailedStep = failedStep.String
	r.ArchiveHash = archiveHash.String
	r.Error = errorMessage.String
	return r, nil
}

// Lookup.

func lookupSQL(d dialect) string {
	return `
	SELECT a.tail_number, a.serial_number, a.model_code, a.engine_code, a.year_mfr,
		a.registrant_type, a.registrant_name, a.street, a.street2,
		a.city, a.state, a.zip_code, a.region, a.county, a.country,
		a.last_action_date, a.cert_issue_date, a.certification,
		a.aircraft_type, a.engine_type, a.status_code,
		a.mode_s_code, a.mode_s_code_hex, a.fractional_owner,
		a.airworthiness_date, a.expiration_date, a.unique_id,
		a.kit_manufacturer, a.kit_model,
		a.other_name_1, a.other_name_2, a.other_name_3, a.other_name_4, a.other_name_5,
		a.sync_run_id,
		m.code, m.manufacturer_name, m.model_name, m.aircraft_type, m.engine_type,
		m.category, m.builder_cert, m.engines, m.seats, m.weight_class,
		m.cruising_speed, m.tc_data_sheet, m.tc_data_holder,
		e.code, e.manufacturer_name, e.model_name, e.engine_type, e.horsepower, e.thrust
	FROM aircraft a
	LEFT JOIN aircraft_models m ON m.code = a.model_code
	LEFT JOIN engine_models e ON e.code = a.engine_code
	WHERE a.tail_number = ` + d.placeholder(1)
}

func scanDetail(row scanner) (*AircraftDetail, error) {
	var (
		a struct {
			serial, modelCode, engineCode                 sql.NullString
			regType, regName, street, street2             sql.NullString
			city, state, zip, region, county, country     sql.NullString
			certification, acType, engType, status        sql.NullString
			modeS, modeSHex, fractOwner, uniqueID         sql.NullString
			kitMfr, kitModel                              sql.NullString
			others                                        [5]sql.NullString
			year                                          sql.NullInt64
			lastAction, certIssue, airworthiness, expires nullDate
		}
		m struct {
			code, mfr, model, acType, engType, category sql.NullString
			builderCert, weight, tcSheet, tcHolder      sql.NullString
			engines, seats, speed                       sql.NullInt64
		}
		e struct {
			code, mfr, model, engType sql.NullString
			horsepower, thrust        sql.NullInt64
		}
		d AircraftDetail
	)

	err := row.Scan(&d.TailNumber, &a.serial, &a.modelCode, &a.engineCode, &a.year,
		&a.regType, &a.regName, &a.street, &a.street2,
		&a.city, &a.state, &a.zip, &a.region, &a.county, &a.country,
		&a.lastAction, &a.certIssue, &a.certification,
		&a.acType, &a.engType, &a.status,
		&a.modeS, &a.modeSHex, &a.fractOwner,
		&a.airworthiness, &a.expires, &a.uniqueID,
		&a.kitMfr, &a.kitModel,
		&a.others[0], &a.others[1], &a.others[2], &a.others[3], &a.others[4],
		&d.SyncRunID,
		&m.code, &m.mfr, &m.model, &m.acType, &m.engType,
		&m.category, &m.builderCert, &m.engines, &m.seats, &m.weight,
		&m.speed, &m.tcSheet, &m.tcHolder,
		&e.code, &e.mfr, &e.model, &e.engType, &e.horsepower, &e.thrust)
	if err != nil {
		return nil, err
	}

	d.SerialNumber = a.serial.String
	d.ModelCode = a.modelCode.String
	d.EngineCode = a.engineCode.String
	d.YearMfr = intPtr(a.year)
	d.RegistrantType = a.regType.String
	d.RegistrantName = a.regName.String
	d.Street = a.street.String
	d.Street2 = a.street2.String
	d.City = a.city.String
	d.State = a.state.String
	d.ZipCode = a.zip.String
	d.Region = a.region.String
	d.County = a.county.String
	d.Country = a.country.String
	d.LastActionDate = a.lastAction.ptr()
	d.CertIssueDate = a.certIssue.ptr()
	d.Certification = a.certification.String
	d.AircraftType = a.acType.String
	d.EngineType = a.engType.String
	d.StatusCode = a.status.String
	d.ModeSCode = a.modeS.String
	d.ModeSCodeHex = a.modeSHex.String
	d.FractionalOwner = a.fractOwner.String
	d.AirworthinessDate = a.airworthiness.ptr()
	d.ExpirationDate = a.expires.ptr()
	d.UniqueID = a.uniqueID.String
	d.KitManufacturer = a.kitMfr.String
	d.KitModel = a.kitModel.String
	for i, n := range a.others {
		d.OtherNames[i] = n.String
	}

	if m.code.Valid {
		d.Model = &registry.AircraftModel{
			Code:             m.code.String,
			ManufacturerName: m.mfr.String,
			ModelName:        m.model.String,
			AircraftType:     m.acType.String,
			EngineType:       m.engType.String,
			Category:         m.category.String,
			BuilderCert:      m.builderCert.String,
			Engines:          intPtr(m.engines),
			Seats:            intPtr(m.seats),
			WeightClass:      m.weight.String,
			CruisingSpeed:    intPtr(m.speed),
			TCDataSheet:      m.tcSheet.String,
			TCDataHolder:     m.tcHolder.String,
		}
	}
	if e.code.Valid {
		d.Engine = &registry.EngineModel{
			Code:             e.code.String,
			ManufacturerName: e.mfr.String,
			ModelName:        e.model.String,
			EngineType:       e.engType.String,
			Horsepower:       intPtr(e.horsepower),
			Thrust:           intPtr(e.thrust),
		}
	}
	return &d, nil
}

const statsSQL = `SELECT
	(SELECT COUNT(*) FROM aircraft),
	(SELECT COUNT(*) FROM aircraft_models),
	(SELECT COUNT(*) FROM engine_models)`

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// nullDate scans a DATE column stored natively or as YYYY-MM-DD text.
type nullDate struct {
	Time  time.Time
	Valid bool
}

func (n *nullDate) Scan(src any) error {
	t, ok, err := scanTime(src, time.DateOnly)
	n.Time, n.Valid = t, ok
	return err
}

func (n nullDate) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// nullTime scans a timestamp stored natively or as text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	t, ok, err := scanTime(src, timeLayout)
	n.Time, n.Valid = t, ok
	return err
}

func scanTime(src any, layout string) (time.Time, bool, error) {
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), true, nil
	case string:
		return parseTime(v, layout)
	case []byte:
		return parseTime(string(v), layout)
	default:
		return time.Time{}, false, fmt.Errorf("storage: cannot scan %T into time", src)
	}
}

func parseTime(s, layout string) (time.Time, bool, error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("storage: parse time %q: %w", s, err)
		}
	}
	return t.UTC(), true, nil
}
