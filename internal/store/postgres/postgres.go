package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
	"warungpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price, stock
		FROM products
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, price, stock
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, price, stock
		FROM products
		WHERE sku = $1
	`, sku).Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Price < 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (sku, name, price, stock)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, product.SKU, product.Name, product.Price, product.Stock).Scan(&product.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sku %q already exists: %w", product.SKU, store.ErrInvalidInput)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Price < 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET sku = $2, name = $3, price = $4, stock = $5
		WHERE id = $1
	`, product.ID, product.SKU, product.Name, product.Price, product.Stock)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sku %q already exists: %w", product.SKU, store.ErrInvalidInput)
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrProductInUse
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, input store.SaleInput) (*domain.Sale, error) {
	if len(input.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, mapTxErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	lines, total, err := resolveLines(ctx, tx, input.Items)
	if err != nil {
		return nil, err
	}
	if input.Payment < total {
		return nil, store.ErrPaymentShort
	}

	invoiceNo, err := allocateInvoice(ctx, tx, createdAt)
	if err != nil {
		return nil, err
	}

	var saleID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (invoice_no, user_id, payment_method, total, payment, change_amount, is_finalized, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,false,$7)
		RETURNING id
	`, invoiceNo, input.UserID, input.PaymentMethod, total, input.Payment, input.Payment-total, createdAt).Scan(&saleID)
	if err != nil {
		return nil, mapTxErr(err)
	}

	if err := insertLines(ctx, tx, saleID, lines); err != nil {
		return nil, err
	}
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1 WHERE id = $2
		`, line.Qty, line.ProductID); err != nil {
			return nil, mapTxErr(err)
		}
	}

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxErr(err)
	}
	return sale, nil
}

func (s *Store) ReviseSale(ctx context.Context, saleID int64, input store.SaleInput, allowFinalizedEdit bool) (*domain.Sale, error) {
	if len(input.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, mapTxErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var isFinalized bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_finalized FROM sales WHERE id = $1 FOR UPDATE
	`, saleID).Scan(&isFinalized)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if isFinalized && !allowFinalizedEdit {
		return nil, store.ErrSaleFinalized
	}

	if err := restoreSaleStock(ctx, tx, saleID); err != nil {
		return nil, err
	}

	lines, total, err := resolveLines(ctx, tx, input.Items)
	if err != nil {
		return nil, err
	}
	if input.Payment < total {
		return nil, store.ErrPaymentShort
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, saleID); err != nil {
		return nil, err
	}
	if err := insertLines(ctx, tx, saleID, lines); err != nil {
		return nil, err
	}
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1 WHERE id = $2
		`, line.Qty, line.ProductID); err != nil {
			return nil, mapTxErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET payment_method = $2, total = $3, payment = $4, change_amount = $5
		WHERE id = $1
	`, saleID, input.PaymentMethod, total, input.Payment, input.Payment-total); err != nil {
		return nil, mapTxErr(err)
	}

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxErr(err)
	}
	return sale, nil
}

func (s *Store) FinalizeSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sales SET is_finalized = true WHERE id = $1`, saleID)
	if err != nil {
		return nil, mapTxErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return loadSale(ctx, s.db, saleID)
}

func (s *Store) ReverseSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, mapTxErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT id FROM sales WHERE id = $1 FOR UPDATE`, saleID); err != nil {
		return nil, err
	}
	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := restoreSaleStock(ctx, tx, saleID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxErr(err)
	}
	return sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	return loadSale(ctx, s.db, saleID)
}

func (s *Store) QuerySalesReport(ctx context.Context, filter domain.ReportFilter, limit int, now time.Time) (*domain.SalesReport, error) {
	if limit < 1 {
		limit = 100
	}
	where, args := reportWhere(filter, now)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_no, user_id, payment_method, total, payment, change_amount, is_finalized, created_at
		FROM sales
		`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $`+fmt.Sprint(len(args)+1),
		append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.InvoiceNo, &sale.UserID, &sale.PaymentMethod,
			&sale.Total, &sale.Payment, &sale.ChangeAmount, &sale.IsFinalized, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var summary domain.ReportSummary
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(total), 0),
		       COALESCE(SUM(payment), 0),
		       COALESCE(SUM(change_amount), 0),
		       COALESCE(SUM(CASE WHEN payment_method = 'cash' THEN total ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN payment_method = 'qris' THEN total ELSE 0 END), 0)
		FROM sales
		`+where, args...).Scan(&summary.TransactionCount, &summary.TotalSum, &summary.PaymentSum,
		&summary.ChangeSum, &summary.CashTotal, &summary.QRISTotal)
	if err != nil {
		return nil, err
	}

	return &domain.SalesReport{Sales: sales, Summary: summary}, nil
}

func (s *Store) RankProducts(ctx context.Context, window string, limit int, now time.Time) ([]domain.RankingEntry, error) {
	if limit < 1 {
		limit = 8
	}
	cond, args, err := windowCondition("s.created_at", window, now)
	if err != nil {
		return nil, err
	}

	// Products root the join so in-stock items with no sales in the window
	// rank at zero qty on the stock and name tie-breakers.
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sku, p.name, p.price, p.stock,
		       COALESCE(SUM(CASE WHEN s.id IS NOT NULL THEN si.qty ELSE 0 END), 0) AS total_qty,
		       COALESCE(SUM(CASE WHEN s.id IS NOT NULL THEN si.subtotal ELSE 0 END), 0) AS total_revenue
		FROM products p
		LEFT JOIN sale_items si ON si.product_id = p.id
		LEFT JOIN sales s ON s.id = si.sale_id AND `+cond+`
		WHERE p.stock > 0
		GROUP BY p.id, p.sku, p.name, p.price, p.stock
		ORDER BY total_qty DESC, total_revenue DESC, p.stock DESC, p.name ASC
		LIMIT $`+fmt.Sprint(len(args)+1),
		append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.RankingEntry, 0, limit)
	for rows.Next() {
		var entry domain.RankingEntry
		if err := rows.Scan(&entry.ProductID, &entry.SKU, &entry.Name, &entry.Price,
			&entry.Stock, &entry.TotalQty, &entry.TotalRevenue); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetDashboard(ctx context.Context, now time.Time) (*domain.Dashboard, error) {
	dashboard := &domain.Dashboard{}
	for _, period := range []struct {
		window string
		dest   *domain.DashboardPeriod
	}{
		{domain.RankingWindowDaily, &dashboard.Today},
		{domain.RankingWindowWeekly, &dashboard.Week},
		{domain.RankingWindowMonthly, &dashboard.Month},
	} {
		cond, args, err := windowCondition("created_at", period.window, now)
		if err != nil {
			return nil, err
		}
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(total), 0)
			FROM sales
			WHERE `+cond, args...).Scan(&period.dest.Transactions, &period.dest.Revenue)
		if err != nil {
			return nil, err
		}

		joinCond, joinArgs, err := windowCondition("s.created_at", period.window, now)
		if err != nil {
			return nil, err
		}
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(si.qty), 0)
			FROM sale_items si
			JOIN sales s ON s.id = si.sale_id
			WHERE `+joinCond, joinArgs...).Scan(&period.dest.ItemsSold)
		if err != nil {
			return nil, err
		}
	}

	hourly := make([]domain.TrendPoint, 24)
	for hour := range hourly {
		hourly[hour].Label = fmt.Sprintf("%02d", hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT EXTRACT(HOUR FROM created_at)::int, COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE created_at::date = $1::date
		GROUP BY 1
	`, now.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var hour int
		var count, revenue int64
		if err := rows.Scan(&hour, &count, &revenue); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if hour >= 0 && hour < 24 {
			hourly[hour].Transactions = count
			hourly[hour].Revenue = revenue
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	dashboard.HourlyTrend = hourly

	daily := make([]domain.TrendPoint, 7)
	byDate := make(map[string]*domain.TrendPoint, 7)
	for i := range daily {
		daily[i].Label = now.AddDate(0, 0, i-6).Format("2006-01-02")
		byDate[daily[i].Label] = &daily[i]
	}
	rows, err = s.db.QueryContext(ctx, `
		SELECT to_char(created_at, 'YYYY-MM-DD'), COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE created_at::date >= $1::date
		GROUP BY 1
	`, daily[0].Label)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var date string
		var count, revenue int64
		if err := rows.Scan(&date, &count, &revenue); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if point, ok := byDate[date]; ok {
			point.Transactions = count
			point.Revenue = revenue
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	dashboard.DailyTrend = daily

	top, err := s.RankProducts(ctx, domain.RankingWindowWeekly, 4, now)
	if err != nil {
		return nil, err
	}
	dashboard.TopProducts = top
	return dashboard, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, display_name, password, role, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.DisplayName, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("username %q already exists: %w", username, store.ErrInvalidInput)
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, display_name, password, role, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(
		&user.Username, &user.DisplayName, &user.Password, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, display_name, password, role, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.DisplayName, &user.Password, &user.Role, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidInput
	}

	var res sql.Result
	var err error
	if user.Password == "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE users SET display_name = $2, role = $3 WHERE username = $1
		`, username, user.DisplayName, user.Role)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE users SET display_name = $2, password = $3, role = $4 WHERE username = $1
		`, username, user.DisplayName, user.Password, user.Role)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`,
		strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType,
		entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetSettings(ctx context.Context) (*domain.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := domain.Settings{StoreName: "WarungPOS"}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		switch key {
		case "store_name":
			settings.StoreName = value
		case "store_address":
			settings.StoreAddress = value
		case "receipt_footer":
			settings.ReceiptFooter = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Store) UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range map[string]string{
		"store_name":     settings.StoreName,
		"store_address":  settings.StoreAddress,
		"receipt_footer": settings.ReceiptFooter,
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_config (key, value) VALUES ($1,$2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		`, key, value); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxErr(err)
	}

	updated := settings
	return &updated, nil
}

// resolveLines locks each cart line's product row and snapshots name and
// price while checking live stock. Quantities for the same product
// accumulate across lines before the check.
func resolveLines(ctx context.Context, tx *sql.Tx, items []domain.CartLine) ([]domain.SaleLine, int64, error) {
	needed := make(map[int64]int, len(items))
	lines := make([]domain.SaleLine, 0, len(items))
	total := int64(0)

	for _, item := range items {
		if item.Qty < 1 {
			return nil, 0, store.ErrInvalidInput
		}
		var p domain.Product
		err := tx.QueryRowContext(ctx, `
			SELECT id, name, price, stock FROM products WHERE id = $1 FOR UPDATE
		`, item.ProductID).Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, 0, fmt.Errorf("product %d: %w", item.ProductID, store.ErrNotFound)
			}
			return nil, 0, err
		}

		needed[p.ID] += item.Qty
		if needed[p.ID] > p.Stock {
			return nil, 0, fmt.Errorf("%w: %s", store.ErrInsufficientStock, p.Name)
		}

		subtotal := p.Price * int64(item.Qty)
		lines = append(lines, domain.SaleLine{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Qty:       item.Qty,
			Subtotal:  subtotal,
		})
		total += subtotal
	}
	return lines, total, nil
}

func insertLines(ctx context.Context, tx *sql.Tx, saleID int64, lines []domain.SaleLine) error {
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, name, price, qty, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, saleID, line.ProductID, line.Name, line.Price, line.Qty, line.Subtotal); err != nil {
			return err
		}
	}
	return nil
}

func restoreSaleStock(ctx context.Context, tx *sql.Tx, saleID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT si.name, si.qty, p.id
		FROM sale_items si
		LEFT JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = $1
	`, saleID)
	if err != nil {
		return err
	}
	type restitution struct {
		productID int64
		qty       int
	}
	restore := make([]restitution, 0, 8)
	for rows.Next() {
		var name string
		var qty int
		var productID sql.NullInt64
		if err := rows.Scan(&name, &qty, &productID); err != nil {
			_ = rows.Close()
			return err
		}
		if !productID.Valid {
			_ = rows.Close()
			return fmt.Errorf("restore stock for %q: %w", name, store.ErrNotFound)
		}
		restore = append(restore, restitution{productID: productID.Int64, qty: qty})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, r := range restore {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $1 WHERE id = $2
		`, r.qty, r.productID); err != nil {
			return err
		}
	}
	return nil
}

func allocateInvoice(ctx context.Context, tx *sql.Tx, createdAt time.Time) (string, error) {
	prefix := store.InvoicePrefix(createdAt)
	var maxSerial sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(CAST(substr(invoice_no, length($1) + 1) AS INTEGER))
		FROM sales
		WHERE invoice_no LIKE $1 || '%'
	`, prefix).Scan(&maxSerial)
	if err != nil {
		return "", err
	}
	return store.FormatInvoice(prefix, int(maxSerial.Int64)+1), nil
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSale(ctx context.Context, tx dbtx, saleID int64) (*domain.Sale, error) {
	var sale domain.Sale
	err := tx.QueryRowContext(ctx, `
		SELECT id, invoice_no, user_id, payment_method, total, payment, change_amount, is_finalized, created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(&sale.ID, &sale.InvoiceNo, &sale.UserID, &sale.PaymentMethod,
		&sale.Total, &sale.Payment, &sale.ChangeAmount, &sale.IsFinalized, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sale_id, product_id, name, price, qty, subtotal
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Name,
			&line.Price, &line.Qty, &line.Subtotal); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func reportWhere(filter domain.ReportFilter, now time.Time) (string, []any) {
	switch filter.Type {
	case domain.ReportFilterDaily:
		return "WHERE created_at::date = $1::date", []any{now.Format("2006-01-02")}
	case domain.ReportFilterDate:
		return "WHERE created_at::date = $1::date", []any{filter.Date}
	case domain.ReportFilterMonth:
		return "WHERE to_char(created_at, 'YYYY-MM') = $1", []any{filter.Month}
	default:
		return "", nil
	}
}

func windowCondition(column string, window string, now time.Time) (string, []any, error) {
	switch window {
	case domain.RankingWindowDaily:
		return column + "::date = $1::date", []any{now.Format("2006-01-02")}, nil
	case domain.RankingWindowWeekly:
		return column + "::date >= $1::date", []any{now.AddDate(0, 0, -6).Format("2006-01-02")}, nil
	case domain.RankingWindowMonthly:
		return "to_char(" + column + ", 'YYYY-MM') = $1", []any{now.Format("2006-01")}, nil
	case domain.RankingWindowYearly:
		return "to_char(" + column + ", 'YYYY') = $1", []any{now.Format("2006")}, nil
	default:
		return "", nil, fmt.Errorf("window %q: %w", window, store.ErrInvalidInput)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// mapTxErr turns serialization failures and invoice collisions into the
// retryable conflict sentinel surfaced to the engine.
func mapTxErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "23505" {
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return err
}
