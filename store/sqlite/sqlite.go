/*
Package sqlite provides a SQLite-backed implementation of fifo.TxStore.

PURPOSE:
  Persists the ledger in SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  skus:               Master data + cached on_hand / avg_cost
  movements:          Ledger entries (sku nullable for PRODUCE)
  layers:             Cost lots, FK sku and source movement
  layer_consumptions: Movement ↔ layer join rows (DRAW / CARVE)
  work_orders:        PRODUCE grouping, reference unique while active

SOFT DELETE:
  Nothing is ever DELETEd outside Reset. Reversals set reversed_at; every
  read filters on reversed_at IS NULL unless asked otherwise.

OPTIMISTIC CONCURRENCY:
  UpdateLayer is UPDATE ... WHERE id = ? AND version = ?. Zero affected rows
  means someone else wrote first: fifo.ErrConcurrentModification.
  SQLITE_BUSY / SQLITE_LOCKED map to fifo.ErrSerializationFailure so the
  engine's retry loop treats them like any other conflict.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and a single connection:
  - Transactions start IMMEDIATE, one writer at a time
  - ":memory:" gives every connection its own database, one connection
    keeps tests on a single database

USAGE:
  store, err := sqlite.New("./data/fifo.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := fifo.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - fifo/store.go: Interface definitions
  - fifo/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/fifo-ledger/fifo"
)

// timeLayout is fixed-width so that text comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements fifo.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS skus (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		material_type TEXT NOT NULL CHECK (material_type IN ('RAW', 'SELLABLE')),
		category TEXT,
		unit TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		min_stock TEXT NOT NULL DEFAULT '0',
		on_hand TEXT NOT NULL DEFAULT '0',
		avg_cost TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Movements reference work orders that are inserted after them in the
	-- same transaction, hence the deferred foreign key.
	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		output_name TEXT NOT NULL,
		output_qty TEXT NOT NULL,
		output_unit TEXT,
		total_raw_cost INTEGER NOT NULL,
		total_waste_cost INTEGER NOT NULL,
		net_cost INTEGER NOT NULL,
		unit_cost TEXT NOT NULL,
		produce_movement_id TEXT,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	-- One active work order per reference: the idempotency key.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_work_orders_reference
		ON work_orders(reference) WHERE reversed_at IS NULL;

	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		type TEXT NOT NULL,
		sku TEXT REFERENCES skus(id),
		output_name TEXT,
		quantity TEXT NOT NULL,
		unit TEXT,
		unit_cost TEXT NOT NULL,
		total_value INTEGER NOT NULL,
		reference TEXT,
		work_order_id TEXT REFERENCES work_orders(id) DEFERRABLE INITIALLY DEFERRED,
		carved_from TEXT,
		vendor_ref TEXT,
		note TEXT,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_movements_ts ON movements(ts, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_movements_sku ON movements(sku, ts);
	CREATE INDEX IF NOT EXISTS idx_movements_work_order ON movements(work_order_id);
	CREATE INDEX IF NOT EXISTS idx_movements_reference ON movements(type, reference);

	CREATE TABLE IF NOT EXISTS layers (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		sku TEXT NOT NULL REFERENCES skus(id),
		received_at TEXT NOT NULL,
		original TEXT NOT NULL,
		remaining TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		status TEXT NOT NULL,
		source_movement_id TEXT REFERENCES movements(id) DEFERRABLE INITIALLY DEFERRED,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	-- FIFO draw order (hot path)
	CREATE INDEX IF NOT EXISTS idx_layers_sku_fifo ON layers(sku, received_at, seq);
	CREATE INDEX IF NOT EXISTS idx_layers_source ON layers(source_movement_id);

	-- Consumption rows are written before the movement that owns them.
	CREATE TABLE IF NOT EXISTS layer_consumptions (
		id TEXT PRIMARY KEY,
		movement_id TEXT NOT NULL REFERENCES movements(id) DEFERRABLE INITIALLY DEFERRED,
		layer_id TEXT NOT NULL REFERENCES layers(id),
		sku TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('DRAW', 'CARVE')),
		quantity TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		total_cost INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_consumptions_movement ON layer_consumptions(movement_id);
	CREATE INDEX IF NOT EXISTS idx_consumptions_layer ON layer_consumptions(layer_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (fifo.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store fifo.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapErr(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"layer_consumptions", "layers", "movements", "work_orders", "skus"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - fifo.Store over either the database or one transaction
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type queries struct {
	q querier
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	return res, mapErr(err)
}

// markReversed sets reversed_at on one row of table.
func (s *queries) markReversed(ctx context.Context, table, id string, at time.Time) error {
	res, err := s.exec(ctx, "UPDATE "+table+" SET reversed_at = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to reverse %s %s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, fifo.ErrNotFound)
	}
	return nil
}

// ----- SKUs -----

const skuColumns = `id, name, material_type, category, unit, active, min_stock, on_hand, avg_cost, created_at, updated_at`

func (s *queries) SaveSKU(ctx context.Context, sku fifo.SKU) error {
	_, err := s.exec(ctx, `
		INSERT INTO skus (`+skuColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			material_type = excluded.material_type,
			category = excluded.category,
			unit = excluded.unit,
			active = excluded.active,
			min_stock = excluded.min_stock,
			updated_at = excluded.updated_at
	`,
		sku.ID, sku.Name, sku.MaterialType, nullString(sku.Category), sku.Unit, sku.Active,
		sku.MinStock.String(), sku.OnHand.String(), nullDecimal(sku.AvgCost),
		formatTime(sku.CreatedAt), formatTime(sku.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save sku: %w", err)
	}
	return nil
}

func (s *queries) GetSKU(ctx context.Context, id fifo.SKUID) (*fifo.SKU, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+skuColumns+` FROM skus WHERE id = ?`, id)
	sku, err := scanSKU(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &sku, nil
}

func (s *queries) ListSKUs(ctx context.Context) ([]fifo.SKU, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+skuColumns+` FROM skus ORDER BY id`)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to list skus: %w", err))
	}
	defer rows.Close()

	var out []fifo.SKU
	for rows.Next() {
		sku, err := scanSKU(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sku)
	}
	return out, rows.Err()
}

func (s *queries) UpdateSKUStock(ctx context.Context, id fifo.SKUID, onHand decimal.Decimal, avgCost *decimal.Decimal) error {
	res, err := s.exec(ctx, `UPDATE skus SET on_hand = ?, avg_cost = ? WHERE id = ?`,
		onHand.String(), nullDecimal(avgCost), id)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sku %s: %w", id, fifo.ErrNotFound)
	}
	return nil
}

func scanSKU(sc scanner) (fifo.SKU, error) {
	var (
		sku                 fifo.SKU
		category, avgCost   sql.NullString
		minStock, onHand    string
		createdAt, updateAt string
	)
	err := sc.Scan(&sku.ID, &sku.Name, &sku.MaterialType, &category, &sku.Unit, &sku.Active,
		&minStock, &onHand, &avgCost, &createdAt, &updateAt)
	if err != nil {
		return sku, err
	}
	sku.Category = category.String
	sku.MinStock = mustDecimal(minStock)
	sku.OnHand = mustDecimal(onHand)
	sku.AvgCost = parseNullDecimal(avgCost)
	sku.CreatedAt = parseTime(createdAt)
	sku.UpdatedAt = parseTime(updateAt)
	return sku, nil
}

// ----- Layers -----

const layerColumns = `id, seq, sku, received_at, original, remaining, unit_cost, status, source_movement_id, version, created_at, reversed_at`

func (s *queries) InsertLayer(ctx context.Context, l fifo.Layer) (fifo.Layer, error) {
	if err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM layers`).Scan(&l.Seq); err != nil {
		return fifo.Layer{}, mapErr(fmt.Errorf("failed to allocate layer seq: %w", err))
	}
	l.Version = 1
	_, err := s.exec(ctx, `
		INSERT INTO layers (`+layerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.Seq, l.SKU, formatTime(l.ReceivedAt), l.Original.String(), l.Remaining.String(),
		l.UnitCost.String(), l.Status, nullString(string(l.SourceMovementID)), l.Version,
		formatTime(l.CreatedAt), nullTime(l.ReversedAt),
	)
	if err != nil {
		return fifo.Layer{}, fmt.Errorf("failed to insert layer: %w", err)
	}
	return l, nil
}

func (s *queries) GetLayer(ctx context.Context, id fifo.LayerID) (*fifo.Layer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+layerColumns+` FROM layers WHERE id = ?`, id)
	l, err := scanLayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}

func (s *queries) LayersForSKU(ctx context.Context, sku fifo.SKUID) ([]fifo.Layer, error) {
	return s.queryLayers(ctx, `
		SELECT `+layerColumns+` FROM layers
		WHERE sku = ? AND reversed_at IS NULL
		ORDER BY received_at ASC, seq ASC
	`, sku)
}

func (s *queries) LayersForMovement(ctx context.Context, id fifo.MovementID) ([]fifo.Layer, error) {
	return s.queryLayers(ctx, `
		SELECT `+layerColumns+` FROM layers
		WHERE source_movement_id = ? AND reversed_at IS NULL
		ORDER BY seq ASC
	`, id)
}

func (s *queries) UpdateLayer(ctx context.Context, l fifo.Layer) (fifo.Layer, error) {
	res, err := s.exec(ctx, `
		UPDATE layers SET remaining = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, l.Remaining.String(), l.Status, l.ID, l.Version)
	if err != nil {
		return fifo.Layer{}, fmt.Errorf("failed to update layer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fifo.Layer{}, fmt.Errorf("layer %s version %d: %w", l.ID, l.Version, fifo.ErrConcurrentModification)
	}
	l.Version++
	return l, nil
}

func (s *queries) MarkLayerReversed(ctx context.Context, id fifo.LayerID, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE layers SET reversed_at = ?, version = version + 1 WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to reverse layer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("layer %s: %w", id, fifo.ErrNotFound)
	}
	return nil
}

func (s *queries) queryLayers(ctx context.Context, query string, args ...any) ([]fifo.Layer, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query layers: %w", err))
	}
	defer rows.Close()

	var out []fifo.Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLayer(sc scanner) (fifo.Layer, error) {
	var (
		l                             fifo.Layer
		receivedAt, createdAt         string
		original, remaining, unitCost string
		source, reversedAt            sql.NullString
	)
	err := sc.Scan(&l.ID, &l.Seq, &l.SKU, &receivedAt, &original, &remaining, &unitCost,
		&l.Status, &source, &l.Version, &createdAt, &reversedAt)
	if err != nil {
		return l, err
	}
	l.ReceivedAt = parseTime(receivedAt)
	l.Original = mustDecimal(original)
	l.Remaining = mustDecimal(remaining)
	l.UnitCost = mustDecimal(unitCost)
	l.SourceMovementID = fifo.MovementID(source.String)
	l.CreatedAt = parseTime(createdAt)
	l.ReversedAt = parseNullTime(reversedAt)
	return l, nil
}

// ----- Consumptions -----

const consumptionColumns = `id, movement_id, layer_id, sku, kind, quantity, unit_cost, total_cost, created_at, reversed_at`

func (s *queries) InsertConsumption(ctx context.Context, c fifo.LayerConsumption) error {
	_, err := s.exec(ctx, `
		INSERT INTO layer_consumptions (`+consumptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.MovementID, c.LayerID, c.SKU, c.Kind, c.Quantity.String(), c.UnitCost.String(),
		int64(c.TotalCost), formatTime(c.CreatedAt), nullTime(c.ReversedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert consumption: %w", err)
	}
	return nil
}

func (s *queries) ConsumptionsForMovement(ctx context.Context, id fifo.MovementID) ([]fifo.LayerConsumption, error) {
	return s.queryConsumptions(ctx, `
		SELECT `+consumptionColumns+` FROM layer_consumptions
		WHERE movement_id = ? AND reversed_at IS NULL
		ORDER BY rowid ASC
	`, id)
}

func (s *queries) ConsumptionsForLayer(ctx context.Context, id fifo.LayerID) ([]fifo.LayerConsumption, error) {
	return s.queryConsumptions(ctx, `
		SELECT `+consumptionColumns+` FROM layer_consumptions
		WHERE layer_id = ? AND reversed_at IS NULL
		ORDER BY rowid ASC
	`, id)
}

func (s *queries) MarkConsumptionReversed(ctx context.Context, id fifo.ConsumptionID, at time.Time) error {
	return s.markReversed(ctx, "layer_consumptions", string(id), at)
}

func (s *queries) queryConsumptions(ctx context.Context, query string, args ...any) ([]fifo.LayerConsumption, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query consumptions: %w", err))
	}
	defer rows.Close()

	var out []fifo.LayerConsumption
	for rows.Next() {
		var (
			c             fifo.LayerConsumption
			qty, unitCost string
			total         int64
			createdAt     string
			reversedAt    sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.MovementID, &c.LayerID, &c.SKU, &c.Kind, &qty, &unitCost,
			&total, &createdAt, &reversedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consumption: %w", err)
		}
		c.Quantity = mustDecimal(qty)
		c.UnitCost = mustDecimal(unitCost)
		c.TotalCost = fifo.Money(total)
		c.CreatedAt = parseTime(createdAt)
		c.ReversedAt = parseNullTime(reversedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ----- Movements -----

const movementColumns = `id, ts, type, sku, output_name, quantity, unit, unit_cost, total_value, reference, work_order_id, carved_from, vendor_ref, note, created_at, reversed_at`

func (s *queries) InsertMovement(ctx context.Context, m fifo.Movement) error {
	_, err := s.exec(ctx, `
		INSERT INTO movements (`+movementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, formatTime(m.Timestamp), m.Type, nullString(string(m.SKU)), nullString(m.OutputName),
		m.Quantity.String(), nullString(m.Unit), m.UnitCost.String(), int64(m.TotalValue),
		nullString(m.Reference), nullString(string(m.WorkOrderID)), nullString(string(m.CarvedFrom)),
		nullString(m.VendorRef), nullString(m.Note), formatTime(m.CreatedAt), nullTime(m.ReversedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

func (s *queries) GetMovement(ctx context.Context, id fifo.MovementID) (*fifo.Movement, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+movementColumns+` FROM movements WHERE id = ?`, id)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s *queries) MovementsForWorkOrder(ctx context.Context, id fifo.WorkOrderID) ([]fifo.Movement, error) {
	return s.queryMovements(ctx, `
		SELECT `+movementColumns+` FROM movements
		WHERE work_order_id = ? AND reversed_at IS NULL
		ORDER BY rowid ASC
	`, id)
}

func (s *queries) FindMovementByReference(ctx context.Context, t fifo.MovementType, reference string) (*fifo.Movement, error) {
	ms, err := s.queryMovements(ctx, `
		SELECT `+movementColumns+` FROM movements
		WHERE type = ? AND reference = ? AND reversed_at IS NULL
		ORDER BY rowid ASC LIMIT 1
	`, t, reference)
	if err != nil || len(ms) == 0 {
		return nil, err
	}
	return &ms[0], nil
}

func (s *queries) ListMovements(ctx context.Context, f fifo.MovementFilter) ([]fifo.Movement, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeReversed {
		where = append(where, "reversed_at IS NULL")
	}
	if f.From != nil {
		where = append(where, "ts >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "ts <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.SKU != "" {
		where = append(where, "sku = ?")
		args = append(args, f.SKU)
	}
	if f.Reference != "" {
		where = append(where, "reference = ?")
		args = append(args, f.Reference)
	}
	if f.WorkOrderID != "" {
		where = append(where, "work_order_id = ?")
		args = append(args, f.WorkOrderID)
	}

	query := `SELECT ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}
	return s.queryMovements(ctx, query, args...)
}

func (s *queries) MarkMovementReversed(ctx context.Context, id fifo.MovementID, at time.Time) error {
	return s.markReversed(ctx, "movements", string(id), at)
}

func (s *queries) queryMovements(ctx context.Context, query string, args ...any) ([]fifo.Movement, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query movements: %w", err))
	}
	defer rows.Close()

	var out []fifo.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMovement(sc scanner) (fifo.Movement, error) {
	var (
		m                                  fifo.Movement
		ts, createdAt, qty, unitCost       string
		total                              int64
		sku, output, unit, ref, wo, carved sql.NullString
		vendor, note, reversedAt           sql.NullString
	)
	err := sc.Scan(&m.ID, &ts, &m.Type, &sku, &output, &qty, &unit, &unitCost, &total,
		&ref, &wo, &carved, &vendor, &note, &createdAt, &reversedAt)
	if err != nil {
		return m, err
	}
	m.Timestamp = parseTime(ts)
	m.SKU = fifo.SKUID(sku.String)
	m.OutputName = output.String
	m.Quantity = mustDecimal(qty)
	m.Unit = unit.String
	m.UnitCost = mustDecimal(unitCost)
	m.TotalValue = fifo.Money(total)
	m.Reference = ref.String
	m.WorkOrderID = fifo.WorkOrderID(wo.String)
	m.CarvedFrom = fifo.MovementID(carved.String)
	m.VendorRef = vendor.String
	m.Note = note.String
	m.CreatedAt = parseTime(createdAt)
	m.ReversedAt = parseNullTime(reversedAt)
	return m, nil
}

// ----- Work orders -----

const workOrderColumns = `id, reference, output_name, output_qty, output_unit, total_raw_cost, total_waste_cost, net_cost, unit_cost, produce_movement_id, created_at, reversed_at`

func (s *queries) InsertWorkOrder(ctx context.Context, wo fifo.WorkOrder) error {
	_, err := s.exec(ctx, `
		INSERT INTO work_orders (`+workOrderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		wo.ID, wo.Reference, wo.OutputName, wo.OutputQty.String(), nullString(wo.OutputUnit),
		int64(wo.TotalRawCost), int64(wo.TotalWasteCost), int64(wo.NetCost), wo.UnitCost.String(),
		nullString(string(wo.ProduceMovementID)), formatTime(wo.CreatedAt), nullTime(wo.ReversedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("work order %s: %w", wo.Reference, fifo.ErrDuplicateReference)
		}
		return fmt.Errorf("failed to insert work order: %w", err)
	}
	return nil
}

func (s *queries) GetWorkOrder(ctx context.Context, id fifo.WorkOrderID) (*fifo.WorkOrder, error) {
	return s.queryWorkOrder(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id = ?`, id)
}

func (s *queries) FindWorkOrderByReference(ctx context.Context, reference string) (*fifo.WorkOrder, error) {
	return s.queryWorkOrder(ctx, `
		SELECT `+workOrderColumns+` FROM work_orders
		WHERE reference = ? AND reversed_at IS NULL
	`, reference)
}

func (s *queries) MarkWorkOrderReversed(ctx context.Context, id fifo.WorkOrderID, at time.Time) error {
	return s.markReversed(ctx, "work_orders", string(id), at)
}

func (s *queries) queryWorkOrder(ctx context.Context, query string, args ...any) (*fifo.WorkOrder, error) {
	var (
		wo                           fifo.WorkOrder
		outputQty, unitCost, created string
		raw, waste, net              int64
		unit, produce, reversedAt    sql.NullString
	)
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&wo.ID, &wo.Reference, &wo.OutputName,
		&outputQty, &unit, &raw, &waste, &net, &unitCost, &produce, &created, &reversedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to get work order: %w", err))
	}
	wo.OutputQty = mustDecimal(outputQty)
	wo.OutputUnit = unit.String
	wo.TotalRawCost = fifo.Money(raw)
	wo.TotalWasteCost = fifo.Money(waste)
	wo.NetCost = fifo.Money(net)
	wo.UnitCost = mustDecimal(unitCost)
	wo.ProduceMovementID = fifo.MovementID(produce.String)
	wo.CreatedAt = parseTime(created)
	wo.ReversedAt = parseNullTime(reversedAt)
	return &wo, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapErr translates driver errors the engine branches on.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", fifo.ErrSerializationFailure, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d := mustDecimal(ns.String)
	return &d
}

// mustDecimal parses values this package wrote itself.
func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
