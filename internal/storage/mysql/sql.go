package mysql

// Base table. Columns added after the first release live in addedColumns so
// existing databases are upgraded in place.
const createListingsSQL = `
CREATE TABLE IF NOT EXISTS listings (
  id            VARCHAR(64)  NOT NULL,
  title         VARCHAR(512) NOT NULL,
  price         VARCHAR(64)  NOT NULL,
  link          VARCHAR(1024) NOT NULL,
  discovered_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
  PRIMARY KEY (id),
  KEY idx_listings_recent (discovered_at, id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

var addedColumns = []struct{ name, ddl string }{
	{"sq_meters", "ALTER TABLE listings ADD COLUMN sq_meters VARCHAR(64) NOT NULL DEFAULT 'N/A'"},
	{"location", "ALTER TABLE listings ADD COLUMN location VARCHAR(512) NOT NULL DEFAULT 'Unknown Location'"},
	{"source", "ALTER TABLE listings ADD COLUMN source VARCHAR(16) NOT NULL DEFAULT 'api'"},
}

const columnExistsSQL = `
SELECT COUNT(*) FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = 'listings' AND COLUMN_NAME = ?
`

const createRunsSQL = `
CREATE TABLE IF NOT EXISTS ingest_runs (
  id            CHAR(36)    NOT NULL,
  source        VARCHAR(16) NOT NULL,
  started_at    TIMESTAMP(6) NOT NULL,
  finished_at   TIMESTAMP(6) NOT NULL,
  seen          INT NOT NULL,
  new_count     INT NOT NULL,
  duplicates    INT NOT NULL,
  rejected      INT NOT NULL,
  failed        INT NOT NULL,
  notified      INT NOT NULL,
  notify_failed INT NOT NULL,
  dropped       INT NOT NULL,
  PRIMARY KEY (id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

// First write wins: the no-op update leaves the row untouched and reports
// zero affected rows.
const insertListingSQL = `
INSERT INTO listings
  (id, title, price, sq_meters, location, link, source)
VALUES
  (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE id = id
`

const existsSQL = `SELECT 1 FROM listings WHERE id = ? LIMIT 1`

const listingColumns = `id, title, price, sq_meters, location, link, source, discovered_at`

const getListingSQL = `SELECT ` + listingColumns + ` FROM listings WHERE id = ?`

const listRecentSQL = `
SELECT ` + listingColumns + `
FROM listings
ORDER BY discovered_at DESC, id DESC
LIMIT ?`

const listRecentAfterSQL = `
SELECT ` + listingColumns + `
FROM listings
WHERE discovered_at < ? OR (discovered_at = ? AND id < ?)
ORDER BY discovered_at DESC, id DESC
LIMIT ?`

const insertRunSQL = `
INSERT INTO ingest_runs
  (id, source, started_at, finished_at, seen, new_count, duplicates, rejected, failed, notified, notify_failed, dropped)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
