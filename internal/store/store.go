// Package store owns the embedded SQLite database. A single *sql.DB handle
// is opened at startup and injected into every consumer; no package-level
// connection state.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agrometeo/metgo/internal/weather"
)

// tsLayout is the canonical timestamp encoding. Fixed-width UTC so that
// lexicographic order in the index equals chronological order.
const tsLayout = "2006-01-02T15:04:05Z"

const dateLayout = "2006-01-02"

// Store wraps the SQLite handle and the persisted schema.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", weather.ErrStoreUnavailable, path, err)
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY between the coordinator and the scheduler.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", weather.ErrStoreUnavailable, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	_, _ = db.Exec("PRAGMA synchronous=NORMAL")

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

const obsColumns = `station_id, ts, temp_mean, temp_max, temp_min, humidity, pressure,
	precipitation, wind_speed, wind_direction_deg, wind_cardinal, cloud_cover,
	uv_index, solar_radiation, dew_point, visibility, source, derived_fields`

func (s *Store) ensureSchema() error {
	// Migrations are append-only: new columns default to NULL, existing
	// columns are never renamed or dropped within a major version.
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			elevation_m REAL,
			sector TEXT,
			crops TEXT,
			frost_class TEXT
		);

		CREATE TABLE IF NOT EXISTS observations (
			station_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			temp_mean REAL,
			temp_max REAL,
			temp_min REAL,
			humidity REAL,
			pressure REAL,
			precipitation REAL,
			wind_speed REAL,
			wind_direction_deg REAL,
			wind_cardinal TEXT,
			cloud_cover REAL,
			uv_index REAL,
			solar_radiation REAL,
			dew_point REAL,
			visibility REAL,
			source TEXT NOT NULL,
			derived_fields TEXT,
			PRIMARY KEY (station_id, ts)
		);
		CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(ts);

		CREATE TABLE IF NOT EXISTS audit (
			station_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			temp_mean REAL,
			temp_max REAL,
			temp_min REAL,
			humidity REAL,
			pressure REAL,
			precipitation REAL,
			wind_speed REAL,
			wind_direction_deg REAL,
			wind_cardinal TEXT,
			cloud_cover REAL,
			uv_index REAL,
			solar_radiation REAL,
			dew_point REAL,
			visibility REAL,
			source TEXT NOT NULL,
			derived_fields TEXT,
			replaced_at TEXT NOT NULL,
			replaced_by_source TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS daily_summary (
			station_id TEXT NOT NULL,
			date TEXT NOT NULL,
			temp_min REAL,
			temp_mean REAL,
			temp_max REAL,
			precip_total REAL,
			humidity_mean REAL,
			wind_mean REAL,
			observations INTEGER NOT NULL,
			dominant_source TEXT NOT NULL,
			PRIMARY KEY (station_id, date)
		);

		CREATE TABLE IF NOT EXISTS ingestion_log (
			id TEXT PRIMARY KEY,
			station_id TEXT NOT NULL,
			provider_used TEXT,
			records_in INTEGER NOT NULL,
			records_accepted INTEGER NOT NULL,
			records_repaired INTEGER NOT NULL,
			records_rejected INTEGER NOT NULL,
			fallback INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL,
			errors TEXT,
			repairs TEXT,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ingestion_log_station_at ON ingestion_log(station_id, at);

		CREATE TABLE IF NOT EXISTS job_state (
			job TEXT PRIMARY KEY,
			last_run TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("%w: ensuring schema: %v", weather.ErrStoreUnavailable, err)
	}
	return nil
}

// SyncStations mirrors the configured station list into the stations table.
// Called once at startup; stations are immutable afterwards.
func (s *Store) SyncStations(stations []weather.Station) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", weather.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	for _, st := range stations {
		crops, _ := json.Marshal(st.Crops)
		_, err := tx.Exec(`
			INSERT INTO stations (id, name, lat, lon, elevation_m, sector, crops, frost_class)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name=excluded.name, lat=excluded.lat, lon=excluded.lon,
				elevation_m=excluded.elevation_m, sector=excluded.sector,
				crops=excluded.crops, frost_class=excluded.frost_class`,
			st.ID, st.Name, st.Lat, st.Lon, st.ElevationM, st.Sector, string(crops), st.FrostClass)
		if err != nil {
			return fmt.Errorf("syncing station %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

// Stations returns the declared stations, ordered by id.
func (s *Store) Stations() ([]weather.Station, error) {
	rows, err := s.db.Query(`SELECT id, name, lat, lon, elevation_m, sector, crops, frost_class FROM stations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying stations: %w", err)
	}
	defer rows.Close()

	out := []weather.Station{}
	for rows.Next() {
		var st weather.Station
		var elevation sql.NullFloat64
		var sector, crops, frostClass sql.NullString
		if err := rows.Scan(&st.ID, &st.Name, &st.Lat, &st.Lon, &elevation, &sector, &crops, &frostClass); err != nil {
			return nil, err
		}
		st.ElevationM = elevation.Float64
		st.Sector = sector.String
		st.FrostClass = frostClass.String
		if crops.String != "" {
			_ = json.Unmarshal([]byte(crops.String), &st.Crops)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertOutcome reports what an upsert did to the row.
type UpsertOutcome string

const (
	OutcomeInserted UpsertOutcome = "inserted"
	OutcomeReplaced UpsertOutcome = "replaced"
)

// BulkCounts aggregates the outcomes of a transactional bulk upsert.
type BulkCounts struct {
	Inserted int
	Replaced int
}

// UpsertObservation writes one record atomically. A key collision replaces
// the existing row and copies the prior row into the audit table.
func (s *Store) UpsertObservation(obs weather.Observation) (UpsertOutcome, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("%w: %v", weather.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	outcome, err := upsertTx(tx, obs)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: %v", weather.ErrStoreUnavailable, err)
	}
	return outcome, nil
}

// BulkUpsert writes all records in one transaction; either every record
// applies or none do.
func (s *Store) BulkUpsert(records []weather.Observation) (BulkCounts, error) {
	var counts BulkCounts
	if len(records) == 0 {
		return counts, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return counts, fmt.Errorf("%w: %v", weather.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	for _, obs := range records {
		outcome, err := upsertTx(tx, obs)
		if err != nil {
			return BulkCounts{}, err
		}
		switch outcome {
		case OutcomeInserted:
			counts.Inserted++
		case OutcomeReplaced:
			counts.Replaced++
		}
	}
	if err := tx.Commit(); err != nil {
		return BulkCounts{}, fmt.Errorf("%w: %v", weather.ErrStoreUnavailable, err)
	}
	return counts, nil
}

func upsertTx(tx *sql.Tx, obs weather.Observation) (UpsertOutcome, error) {
	if obs.StationID == "" || obs.Timestamp.IsZero() {
		return "", fmt.Errorf("%w: observation key requires station_id and timestamp", weather.ErrConstraintViolation)
	}
	if obs.Source == "" {
		return "", fmt.Errorf("%w: source must be set on write", weather.ErrConstraintViolation)
	}

	ts := obs.Timestamp.UTC().Format(tsLayout)

	existing, found, err := selectObservationTx(tx, obs.StationID, ts)
	if err != nil {
		return "", err
	}

	if found {
		// Idempotent re-ingest of identical data is a no-op; only a
		// genuine replacement is audited.
		if observationsEqual(existing, obs) {
			return OutcomeReplaced, nil
		}
		if err := auditTx(tx, existing, obs.Source); err != nil {
			return "", err
		}
	}

	args := obsArgs(obs, ts)
	_, err = tx.Exec(`
		INSERT INTO observations (`+obsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, ts) DO UPDATE SET
			temp_mean=excluded.temp_mean, temp_max=excluded.temp_max,
			temp_min=excluded.temp_min, humidity=excluded.humidity,
			pressure=excluded.pressure, precipitation=excluded.precipitation,
			wind_speed=excluded.wind_speed, wind_direction_deg=excluded.wind_direction_deg,
			wind_cardinal=excluded.wind_cardinal, cloud_cover=excluded.cloud_cover,
			uv_index=excluded.uv_index, solar_radiation=excluded.solar_radiation,
			dew_point=excluded.dew_point, visibility=excluded.visibility,
			source=excluded.source, derived_fields=excluded.derived_fields`,
		args...)
	if err != nil {
		return "", fmt.Errorf("upserting %s@%s: %w", obs.StationID, ts, err)
	}

	if found {
		return OutcomeReplaced, nil
	}
	return OutcomeInserted, nil
}

func auditTx(tx *sql.Tx, prior weather.Observation, replacedBy weather.Source) error {
	ts := prior.Timestamp.UTC().Format(tsLayout)
	args := obsArgs(prior, ts)
	args = append(args, time.Now().UTC().Format(tsLayout), string(replacedBy))
	_, err := tx.Exec(`
		INSERT INTO audit (`+obsColumns+`, replaced_at, replaced_by_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("writing audit row for %s@%s: %w", prior.StationID, ts, err)
	}
	return nil
}

func obsArgs(obs weather.Observation, ts string) []any {
	var derived any
	if len(obs.DerivedFields) > 0 {
		b, _ := json.Marshal(obs.DerivedFields)
		derived = string(b)
	}
	return []any{
		obs.StationID, ts,
		nullable(obs.TempMean), nullable(obs.TempMax), nullable(obs.TempMin),
		nullable(obs.Humidity), nullable(obs.Pressure), nullable(obs.Precipitation),
		nullable(obs.WindSpeed), nullable(obs.WindDirDeg), nullString(obs.WindCardinal),
		nullable(obs.CloudCover), nullable(obs.UVIndex), nullable(obs.SolarRadiation),
		nullable(obs.DewPoint), nullable(obs.Visibility),
		string(obs.Source), derived,
	}
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func observationsEqual(a, b weather.Observation) bool {
	if a.Source != b.Source || a.WindCardinal != b.WindCardinal {
		return false
	}
	eq := func(x, y *float64) bool {
		if (x == nil) != (y == nil) {
			return false
		}
		return x == nil || *x == *y
	}
	if len(a.DerivedFields) != len(b.DerivedFields) {
		return false
	}
	for i := range a.DerivedFields {
		if a.DerivedFields[i] != b.DerivedFields[i] {
			return false
		}
	}
	return eq(a.TempMean, b.TempMean) && eq(a.TempMax, b.TempMax) && eq(a.TempMin, b.TempMin) &&
		eq(a.Humidity, b.Humidity) && eq(a.Pressure, b.Pressure) && eq(a.Precipitation, b.Precipitation) &&
		eq(a.WindSpeed, b.WindSpeed) && eq(a.WindDirDeg, b.WindDirDeg) && eq(a.CloudCover, b.CloudCover) &&
		eq(a.UVIndex, b.UVIndex) && eq(a.SolarRadiation, b.SolarRadiation) &&
		eq(a.DewPoint, b.DewPoint) && eq(a.Visibility, b.Visibility)
}

func selectObservationTx(tx *sql.Tx, stationID, ts string) (weather.Observation, bool, error) {
	row := tx.QueryRow(`SELECT `+obsColumns+` FROM observations WHERE station_id = ? AND ts = ?`, stationID, ts)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return weather.Observation{}, false, nil
	}
	if err != nil {
		return weather.Observation{}, false, err
	}
	return obs, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(r rowScanner) (weather.Observation, error) {
	var obs weather.Observation
	var ts string
	var tempMean, tempMax, tempMin, humidity, pressure, precip sql.NullFloat64
	var windSpeed, windDir, cloud, uv, solar, dew, vis sql.NullFloat64
	var cardinal, derived sql.NullString
	var source string

	err := r.Scan(&obs.StationID, &ts,
		&tempMean, &tempMax, &tempMin, &humidity, &pressure, &precip,
		&windSpeed, &windDir, &cardinal, &cloud, &uv, &solar, &dew, &vis,
		&source, &derived)
	if err != nil {
		return obs, err
	}

	obs.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return obs, fmt.Errorf("parsing stored timestamp %q: %w", ts, err)
	}
	obs.TempMean = fromNull(tempMean)
	obs.TempMax = fromNull(tempMax)
	obs.TempMin = fromNull(tempMin)
	obs.Humidity = fromNull(humidity)
	obs.Pressure = fromNull(pressure)
	obs.Precipitation = fromNull(precip)
	obs.WindSpeed = fromNull(windSpeed)
	obs.WindDirDeg = fromNull(windDir)
	obs.WindCardinal = cardinal.String
	obs.CloudCover = fromNull(cloud)
	obs.UVIndex = fromNull(uv)
	obs.SolarRadiation = fromNull(solar)
	obs.DewPoint = fromNull(dew)
	obs.Visibility = fromNull(vis)
	obs.Source = weather.Source(source)
	if derived.String != "" {
		_ = json.Unmarshal([]byte(derived.String), &obs.DerivedFields)
	}
	return obs, nil
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Query returns observations for the stations within [from, to], ordered by
// (station_id, ts) ascending. An empty result is an empty slice.
func (s *Store) Query(stationIDs []string, from, to time.Time) ([]weather.Observation, error) {
	if len(stationIDs) == 0 {
		return []weather.Observation{}, nil
	}
	placeholders := strings.Repeat("?,", len(stationIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(stationIDs)+2)
	for _, id := range stationIDs {
		args = append(args, id)
	}
	args = append(args, from.UTC().Format(tsLayout), to.UTC().Format(tsLayout))

	rows, err := s.db.Query(`
		SELECT `+obsColumns+` FROM observations
		WHERE station_id IN (`+placeholders+`) AND ts >= ? AND ts <= ?
		ORDER BY station_id, ts`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	out := []weather.Observation{}
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// Latest returns the most recent observation for the station, or nil when
// the station has no rows.
func (s *Store) Latest(stationID string) (*weather.Observation, error) {
	row := s.db.QueryRow(`
		SELECT `+obsColumns+` FROM observations
		WHERE station_id = ? ORDER BY ts DESC LIMIT 1`, stationID)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// PurgeOlderThan deletes observations with ts strictly before cutoff and
// returns the number of deleted rows. Summaries are expected to have been
// written first; see SummarizeDay.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM observations WHERE ts < ?`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("purging observations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StationDaysBefore lists distinct (station, day) pairs with observations
// strictly before cutoff; the scheduler summarizes these prior to pruning.
func (s *Store) StationDaysBefore(cutoff time.Time) (map[string][]time.Time, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT station_id, substr(ts, 1, 10) FROM observations
		WHERE ts < ? ORDER BY station_id, 2`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return nil, fmt.Errorf("listing station days: %w", err)
	}
	defer rows.Close()

	out := map[string][]time.Time{}
	for rows.Next() {
		var id, day string
		if err := rows.Scan(&id, &day); err != nil {
			return nil, err
		}
		d, err := time.Parse(dateLayout, day)
		if err != nil {
			return nil, err
		}
		out[id] = append(out[id], d)
	}
	return out, rows.Err()
}

// AggregateDay computes the daily rollup for one station-day from raw
// observations without persisting anything. Returns nil when the day has no
// rows.
func (s *Store) AggregateDay(stationID string, date time.Time) (*weather.DailySummary, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	from := day.Format(tsLayout)
	to := day.Add(24 * time.Hour).Format(tsLayout)

	row := s.db.QueryRow(`
		SELECT MIN(temp_min), AVG(temp_mean), MAX(temp_max),
		       SUM(precipitation), AVG(humidity), AVG(wind_speed), COUNT(*)
		FROM observations
		WHERE station_id = ? AND ts >= ? AND ts < ?`, stationID, from, to)

	var tmin, tmean, tmax, precip, hum, wind sql.NullFloat64
	var count int
	if err := row.Scan(&tmin, &tmean, &tmax, &precip, &hum, &wind, &count); err != nil {
		return nil, fmt.Errorf("summarizing %s/%s: %w", stationID, day.Format(dateLayout), err)
	}
	if count == 0 {
		return nil, nil
	}

	var dominant string
	err := s.db.QueryRow(`
		SELECT source FROM observations
		WHERE station_id = ? AND ts >= ? AND ts < ?
		GROUP BY source ORDER BY COUNT(*) DESC, source LIMIT 1`,
		stationID, from, to).Scan(&dominant)
	if err != nil {
		return nil, fmt.Errorf("finding dominant source: %w", err)
	}

	return &weather.DailySummary{
		StationID:      stationID,
		Date:           day,
		TempMin:        fromNull(tmin),
		TempMean:       fromNull(tmean),
		TempMax:        fromNull(tmax),
		PrecipTotal:    fromNull(precip),
		HumidityMean:   fromNull(hum),
		WindMean:       fromNull(wind),
		Observations:   count,
		DominantSource: weather.Source(dominant),
	}, nil
}

// SummarizeDay computes and stores the daily summary for one station-day.
// Returns nil when the day has no rows. Used by the scheduler ahead of
// retention pruning.
func (s *Store) SummarizeDay(stationID string, date time.Time) (*weather.DailySummary, error) {
	summary, err := s.AggregateDay(stationID, date)
	if err != nil || summary == nil {
		return summary, err
	}
	day := summary.Date

	_, err = s.db.Exec(`
		INSERT INTO daily_summary (station_id, date, temp_min, temp_mean, temp_max,
			precip_total, humidity_mean, wind_mean, observations, dominant_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, date) DO UPDATE SET
			temp_min=excluded.temp_min, temp_mean=excluded.temp_mean,
			temp_max=excluded.temp_max, precip_total=excluded.precip_total,
			humidity_mean=excluded.humidity_mean, wind_mean=excluded.wind_mean,
			observations=excluded.observations, dominant_source=excluded.dominant_source`,
		stationID, day.Format(dateLayout),
		nullable(summary.TempMin), nullable(summary.TempMean), nullable(summary.TempMax),
		nullable(summary.PrecipTotal), nullable(summary.HumidityMean), nullable(summary.WindMean),
		summary.Observations, string(summary.DominantSource))
	if err != nil {
		return nil, fmt.Errorf("writing daily summary: %w", err)
	}
	return summary, nil
}

// DailySummaries returns stored summaries for the stations within [from, to]
// (dates inclusive), ordered by (station_id, date).
func (s *Store) DailySummaries(stationIDs []string, from, to time.Time) ([]weather.DailySummary, error) {
	if len(stationIDs) == 0 {
		return []weather.DailySummary{}, nil
	}
	placeholders := strings.Repeat("?,", len(stationIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(stationIDs)+2)
	for _, id := range stationIDs {
		args = append(args, id)
	}
	args = append(args, from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))

	rows, err := s.db.Query(`
		SELECT station_id, date, temp_min, temp_mean, temp_max, precip_total,
		       humidity_mean, wind_mean, observations, dominant_source
		FROM daily_summary
		WHERE station_id IN (`+placeholders+`) AND date >= ? AND date <= ?
		ORDER BY station_id, date`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying daily summaries: %w", err)
	}
	defer rows.Close()

	out := []weather.DailySummary{}
	for rows.Next() {
		var ds weather.DailySummary
		var date, source string
		var tmin, tmean, tmax, precip, hum, wind sql.NullFloat64
		if err := rows.Scan(&ds.StationID, &date, &tmin, &tmean, &tmax, &precip, &hum, &wind, &ds.Observations, &source); err != nil {
			return nil, err
		}
		ds.Date, err = time.Parse(dateLayout, date)
		if err != nil {
			return nil, err
		}
		ds.TempMin = fromNull(tmin)
		ds.TempMean = fromNull(tmean)
		ds.TempMax = fromNull(tmax)
		ds.PrecipTotal = fromNull(precip)
		ds.HumidityMean = fromNull(hum)
		ds.WindMean = fromNull(wind)
		ds.DominantSource = weather.Source(source)
		out = append(out, ds)
	}
	return out, rows.Err()
}

// AppendReport persists one ingestion report.
func (s *Store) AppendReport(r weather.IngestionReport) error {
	var errs, repairs any
	if len(r.Errors) > 0 {
		b, _ := json.Marshal(r.Errors)
		errs = string(b)
	}
	if len(r.Repairs) > 0 {
		b, _ := json.Marshal(r.Repairs)
		repairs = string(b)
	}
	_, err := s.db.Exec(`
		INSERT INTO ingestion_log (id, station_id, provider_used, records_in,
			records_accepted, records_repaired, records_rejected, fallback,
			duration_ms, errors, repairs, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StationID, r.ProviderUsed, r.RecordsIn, r.RecordsAccepted,
		r.RecordsRepaired, r.RecordsRejected, boolInt(r.Fallback), r.DurationMs,
		errs, repairs, r.At.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("appending ingestion report: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Reports returns the ingestion log for one station, newest first.
func (s *Store) Reports(stationID string, limit int) ([]weather.IngestionReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, station_id, provider_used, records_in, records_accepted,
		       records_repaired, records_rejected, fallback, duration_ms, errors, repairs, at
		FROM ingestion_log WHERE station_id = ? ORDER BY at DESC LIMIT ?`,
		stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ingestion log: %w", err)
	}
	defer rows.Close()
	return collectReports(rows)
}

// LastReports returns the most recent report per station.
func (s *Store) LastReports() ([]weather.IngestionReport, error) {
	rows, err := s.db.Query(`
		SELECT l.id, l.station_id, l.provider_used, l.records_in, l.records_accepted,
		       l.records_repaired, l.records_rejected, l.fallback, l.duration_ms, l.errors, l.repairs, l.at
		FROM ingestion_log l
		JOIN (SELECT station_id, MAX(at) AS at FROM ingestion_log GROUP BY station_id) m
		  ON l.station_id = m.station_id AND l.at = m.at
		ORDER BY l.station_id`)
	if err != nil {
		return nil, fmt.Errorf("querying ingestion log: %w", err)
	}
	defer rows.Close()
	return collectReports(rows)
}

func collectReports(rows *sql.Rows) ([]weather.IngestionReport, error) {
	out := []weather.IngestionReport{}
	for rows.Next() {
		var r weather.IngestionReport
		var fallback int
		var errsJSON, repairsJSON sql.NullString
		var at string
		if err := rows.Scan(&r.ID, &r.StationID, &r.ProviderUsed, &r.RecordsIn,
			&r.RecordsAccepted, &r.RecordsRepaired, &r.RecordsRejected,
			&fallback, &r.DurationMs, &errsJSON, &repairsJSON, &at); err != nil {
			return nil, err
		}
		r.Fallback = fallback != 0
		if errsJSON.String != "" {
			_ = json.Unmarshal([]byte(errsJSON.String), &r.Errors)
		}
		if repairsJSON.String != "" {
			_ = json.Unmarshal([]byte(repairsJSON.String), &r.Repairs)
		}
		ts, err := time.Parse(tsLayout, at)
		if err != nil {
			return nil, err
		}
		r.At = ts
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSuccessfulIngestion returns the timestamp of the newest report that
// accepted at least one record for the station; zero time when none exists.
func (s *Store) LastSuccessfulIngestion(stationID string) (time.Time, error) {
	var at sql.NullString
	err := s.db.QueryRow(`
		SELECT MAX(at) FROM ingestion_log
		WHERE station_id = ? AND records_accepted > 0`, stationID).Scan(&at)
	if err != nil {
		return time.Time{}, err
	}
	if !at.Valid || at.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(tsLayout, at.String)
}

// JobLastRun reads the scheduler bookkeeping row for a job.
func (s *Store) JobLastRun(job string) (time.Time, bool, error) {
	var last string
	err := s.db.QueryRow(`SELECT last_run FROM job_state WHERE job = ?`, job).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(tsLayout, last)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// SetJobLastRun records the completion time of a scheduled job.
func (s *Store) SetJobLastRun(job string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO job_state (job, last_run) VALUES (?, ?)
		ON CONFLICT(job) DO UPDATE SET last_run=excluded.last_run`,
		job, t.UTC().Format(tsLayout))
	return err
}

// RecentWindow returns up to n observations for the station with ts strictly
// before the given timestamp, oldest first. Used as the validator's rolling
// window for outlier capping.
func (s *Store) RecentWindow(stationID string, before time.Time, n int) ([]weather.Observation, error) {
	rows, err := s.db.Query(`
		SELECT `+obsColumns+` FROM observations
		WHERE station_id = ? AND ts < ?
		ORDER BY ts DESC LIMIT ?`, stationID, before.UTC().Format(tsLayout), n)
	if err != nil {
		return nil, fmt.Errorf("querying recent window: %w", err)
	}
	defer rows.Close()

	var out []weather.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AuditCount reports how many audit rows exist for a key; test and
// diagnostics helper.
func (s *Store) AuditCount(stationID string, ts time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit WHERE station_id = ? AND ts = ?`,
		stationID, ts.UTC().Format(tsLayout)).Scan(&n)
	return n, err
}
