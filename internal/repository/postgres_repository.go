package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const foreignKeyViolation = "23503"

type Repository struct {
	db *sql.DB
}

func NewRepository(cred *Credentials) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "bookmart_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// WithinTx commits when fn succeeds and rolls back otherwise.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("failed to rollback tx: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// Cart

func (r *Repository) GetCart(ctx context.Context, userID int64) (domain.CartSnapshot, error) {
	query := `SELECT book_id, quantity, unit_price FROM cart_items WHERE user_id = $1 ORDER BY book_id`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.ItemID, &line.Quantity, &line.UnitPrice); err != nil {
			return domain.CartSnapshot{}, fmt.Errorf("scan cart item: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("row iteration error: %w", err)
	}

	return domain.NewCartSnapshot(userID, lines), nil
}

func (r *Repository) AddItem(ctx context.Context, userID int64, line domain.CartLine) error {
	if line.Quantity < 1 {
		return domain.ErrInvalidQuantity
	}

	query := `INSERT INTO cart_items (user_id, book_id, quantity, unit_price, added_at)
	          VALUES ($1, $2, $3, $4, NOW())
	          ON CONFLICT (user_id, book_id) DO UPDATE
	          SET quantity = cart_items.quantity + EXCLUDED.quantity,
	              unit_price = EXCLUDED.unit_price,
	              added_at = NOW()`

	_, err := r.db.ExecContext(ctx, query, userID, line.ItemID, line.Quantity, line.UnitPrice)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return ErrBookNotFound
		}
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func (r *Repository) RemoveItem(ctx context.Context, userID int64, itemID int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND book_id = $2`, userID, itemID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Catalog

func (r *Repository) GetBook(ctx context.Context, id int64) (*domain.Book, error) {
	query := `SELECT book_id, title, genre, price, stock_quantity FROM books WHERE book_id = $1`

	var b domain.Book
	err := r.db.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.Title, &b.Genre, &b.Price, &b.StockQuantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query book by id: %w", err)
	}
	return &b, nil
}

// SaveBook inserts the book when book.ID is zero and updates it otherwise.
func (r *Repository) SaveBook(ctx context.Context, book *domain.Book) error {
	if book.ID == 0 {
		query := `INSERT INTO books (title, genre, price, stock_quantity) VALUES ($1, $2, $3, $4) RETURNING book_id`
		err := r.db.QueryRowContext(ctx, query, book.Title, book.Genre, book.Price, book.StockQuantity).Scan(&book.ID)
		if err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		return nil
	}

	query := `UPDATE books SET title = $2, genre = $3, price = $4, stock_quantity = $5 WHERE book_id = $1`
	result, err := r.db.ExecContext(ctx, query, book.ID, book.Title, book.Genre, book.Price, book.StockQuantity)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrBookNotFound
	}
	return nil
}

func (r *Repository) ResolveCurrency(ctx context.Context, code string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT currency_id FROM currencies WHERE currency_code = $1`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCurrencyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query currency %s: %w", code, err)
	}
	return id, nil
}

func (r *Repository) GetCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	query := `SELECT currency_id, currency_code, exchange_rate_to_php FROM currencies WHERE currency_code = $1`

	var c domain.Currency
	err := r.db.QueryRowContext(ctx, query, code).Scan(&c.ID, &c.Code, &c.ExchangeRateToPHP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCurrencyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query currency %s: %w", code, err)
	}
	return &c, nil
}

// Orders

const orderColumns = `o.order_id, o.user_id, o.total_amount, o.currency_id, c.currency_code, o.status, o.created_at`

func (r *Repository) GetOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
	          FROM orders o JOIN currencies c ON c.currency_id = o.currency_id
	          WHERE o.order_id = $1`

	var order domain.Order
	err := r.db.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID,
		&order.UserID,
		&order.TotalAmount,
		&order.CurrencyID,
		&order.CurrencyCode,
		&order.Status,
		&order.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}

	if err := r.attachLines(ctx, []*domain.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *Repository) ListOrdersByUser(ctx context.Context, userID int64) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + `
	          FROM orders o JOIN currencies c ON c.currency_id = o.currency_id
	          WHERE o.user_id = $1
	          ORDER BY o.created_at DESC, o.order_id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders by user id: %w", err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(
			&order.ID,
			&order.UserID,
			&order.TotalAmount,
			&order.CurrencyID,
			&order.CurrencyCode,
			&order.Status,
			&order.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachLines loads the lines of all given orders with a single query.
func (r *Repository) attachLines(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, len(orders))
	byID := make(map[int64]*domain.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Lines = make([]domain.OrderLine, 0)
	}

	query := `SELECT order_id, book_id, quantity, unit_price FROM order_items
	          WHERE order_id = ANY($1) ORDER BY order_id, book_id`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.OrderID, &line.ItemID, &line.Quantity, &line.UnitPrice); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[line.OrderID]; ok {
			o.Lines = append(o.Lines, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration error: %w", err)
	}
	return nil
}

// Outbox

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `SELECT id, event_id, aggregate_id, event_type, payload, created_at
	          FROM outbox_events WHERE processed_at IS NULL ORDER BY id LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventID, &e.AggregateId, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event %d processed: %w", id, err)
	}
	return nil
}

// pgTx implements TxStore on top of an open *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetCartForUpdate(ctx context.Context, userID int64) (domain.CartSnapshot, error) {
	query := `SELECT book_id, quantity, unit_price FROM cart_items
	          WHERE user_id = $1 ORDER BY book_id FOR UPDATE`

	rows, err := t.tx.QueryContext(ctx, query, userID)
	if err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("lock cart items: %w", err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var line domain.CartLine
		if err := rows.Scan(&line.ItemID, &line.Quantity, &line.UnitPrice); err != nil {
			return domain.CartSnapshot{}, fmt.Errorf("scan cart item: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("row iteration error: %w", err)
	}

	return domain.NewCartSnapshot(userID, lines), nil
}

func (t *pgTx) CreateOrder(ctx context.Context, ownerID int64, total decimal.Decimal, currencyID int64) (int64, error) {
	query := `INSERT INTO orders (user_id, total_amount, currency_id, status, created_at)
	          VALUES ($1, $2, $3, $4, NOW())
	          RETURNING order_id`

	var orderID int64
	err := t.tx.QueryRowContext(ctx, query, ownerID, total, currencyID, domain.OrderStatusPending).Scan(&orderID)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return orderID, nil
}

func (t *pgTx) AddLines(ctx context.Context, orderID int64, lines []domain.CartLine) error {
	query := `INSERT INTO order_items (order_id, book_id, quantity, unit_price) VALUES ($1, $2, $3, $4)`

	for _, line := range lines {
		if _, err := t.tx.ExecContext(ctx, query, orderID, line.ItemID, line.Quantity, line.UnitPrice); err != nil {
			return fmt.Errorf("insert order item %d: %w", line.ItemID, err)
		}
	}
	return nil
}

func (t *pgTx) TryDecrement(ctx context.Context, itemID int64, quantity int) (bool, error) {
	query := `UPDATE books SET stock_quantity = stock_quantity - $2
	          WHERE book_id = $1 AND stock_quantity >= $2`

	result, err := t.tx.ExecContext(ctx, query, itemID, quantity)
	if err != nil {
		return false, fmt.Errorf("decrement stock for book %d: %w", itemID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

func (t *pgTx) ClearCart(ctx context.Context, userID int64, lines []domain.CartLine) error {
	if len(lines) == 0 {
		return nil
	}

	itemIDs := make([]int64, len(lines))
	quantities := make([]int64, len(lines))
	for i, line := range lines {
		itemIDs[i] = line.ItemID
		quantities[i] = int64(line.Quantity)
	}

	query := `DELETE FROM cart_items c
	          USING unnest($2::bigint[], $3::bigint[]) AS ordered(book_id, quantity)
	          WHERE c.user_id = $1 AND c.book_id = ordered.book_id AND c.quantity = ordered.quantity`

	if _, err := t.tx.ExecContext(ctx, query, userID, pq.Array(itemIDs), pq.Array(quantities)); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (t *pgTx) InsertOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	query := `INSERT INTO outbox_events (event_id, aggregate_id, event_type, payload, created_at)
	          VALUES ($1, $2, $3, $4, NOW())
	          RETURNING id, created_at`

	err := t.tx.QueryRowContext(ctx, query,
		event.EventID,
		event.AggregateId,
		event.EventType,
		[]byte(event.Payload),
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
