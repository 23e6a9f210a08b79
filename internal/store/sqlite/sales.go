package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the row loaders work inside and outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) CreateSale(ctx context.Context, input store.SaleInput) (*domain.Sale, error) {
	if len(input.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapCommitErr(err)
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

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sales (invoice_no, user_id, payment_method, total, payment, change_amount, is_finalized, created_at)
		VALUES (?,?,?,?,?,?,0,?)
	`, invoiceNo, input.UserID, input.PaymentMethod, total, input.Payment, input.Payment-total, formatTime(createdAt))
	if err != nil {
		return nil, mapCommitErr(err)
	}
	saleID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := insertLines(ctx, tx, saleID, lines); err != nil {
		return nil, err
	}
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - ? WHERE id = ?
		`, line.Qty, line.ProductID); err != nil {
			return nil, mapCommitErr(err)
		}
	}

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
	}
	return sale, nil
}

func (s *Store) ReviseSale(ctx context.Context, saleID int64, input store.SaleInput, allowFinalizedEdit bool) (*domain.Sale, error) {
	if len(input.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapCommitErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	var isFinalized bool
	err = tx.QueryRowContext(ctx, `SELECT is_finalized FROM sales WHERE id = ?`, saleID).Scan(&isFinalized)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if isFinalized && !allowFinalizedEdit {
		return nil, store.ErrSaleFinalized
	}

	// Put every old line's quantity back before validating the new
	// cart, so an unchanged cart nets to zero on stock. A vanished
	// product aborts the whole edit rather than dropping restitution.
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = ?`, saleID); err != nil {
		return nil, err
	}
	if err := insertLines(ctx, tx, saleID, lines); err != nil {
		return nil, err
	}
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - ? WHERE id = ?
		`, line.Qty, line.ProductID); err != nil {
			return nil, mapCommitErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET payment_method = ?, total = ?, payment = ?, change_amount = ?
		WHERE id = ?
	`, input.PaymentMethod, total, input.Payment, input.Payment-total, saleID); err != nil {
		return nil, mapCommitErr(err)
	}

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
	}
	return sale, nil
}

func (s *Store) FinalizeSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sales SET is_finalized = 1 WHERE id = ?`, saleID)
	if err != nil {
		return nil, mapCommitErr(err)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapCommitErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if err := restoreSaleStock(ctx, tx, saleID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE id = ?`, saleID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapCommitErr(err)
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
		LIMIT ?
	`, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The summary runs over the full filtered set so totals stay right
	// when the row limit truncates the listing.
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

	// Products are the root of the join so in-stock items with no sales in
	// the window still rank, with zero qty and revenue. The window filter
	// lives in the join condition; the CASE guards keep out-of-window sale
	// lines from counting.
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
		LIMIT ?
	`, append(args, limit)...)
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
		SELECT CAST(strftime('%H', created_at) AS INTEGER), COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE date(created_at) = ?
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
		SELECT date(created_at), COUNT(*), COALESCE(SUM(total), 0)
		FROM sales
		WHERE date(created_at) >= ?
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

// resolveLines reads each cart line's product inside the transaction,
// snapshotting name and price and checking live stock. Quantities for
// the same product accumulate across lines before the stock check.
func resolveLines(ctx context.Context, tx dbtx, items []domain.CartLine) ([]domain.SaleLine, int64, error) {
	needed := make(map[int64]int, len(items))
	lines := make([]domain.SaleLine, 0, len(items))
	total := int64(0)

	for _, item := range items {
		if item.Qty < 1 {
			return nil, 0, store.ErrInvalidInput
		}
		var p domain.Product
		err := tx.QueryRowContext(ctx, `
			SELECT id, name, price, stock FROM products WHERE id = ?
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

func insertLines(ctx context.Context, tx dbtx, saleID int64, lines []domain.SaleLine) error {
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, name, price, qty, subtotal)
			VALUES (?,?,?,?,?,?)
		`, saleID, line.ProductID, line.Name, line.Price, line.Qty, line.Subtotal); err != nil {
			return err
		}
	}
	return nil
}

// restoreSaleStock adds every existing line's quantity back to its
// product. Fails with ErrNotFound naming the line if the product row is
// gone, historical restitution is never dropped silently.
func restoreSaleStock(ctx context.Context, tx dbtx, saleID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT si.name, si.qty, p.id
		FROM sale_items si
		LEFT JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = ?
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
			UPDATE products SET stock = stock + ? WHERE id = ?
		`, r.qty, r.productID); err != nil {
			return err
		}
	}
	return nil
}

// allocateInvoice derives the next serial for the day of createdAt by
// scanning existing rows under the same transaction that inserts the
// sale. No counter table, so manual deletions never wedge the sequence.
func allocateInvoice(ctx context.Context, tx dbtx, createdAt time.Time) (string, error) {
	prefix := store.InvoicePrefix(createdAt)
	var maxSerial sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(CAST(substr(invoice_no, length(?) + 1) AS INTEGER))
		FROM sales
		WHERE invoice_no LIKE ? || '%'
	`, prefix, prefix).Scan(&maxSerial)
	if err != nil {
		return "", err
	}
	return store.FormatInvoice(prefix, int(maxSerial.Int64)+1), nil
}

func loadSale(ctx context.Context, tx dbtx, saleID int64) (*domain.Sale, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, invoice_no, user_id, payment_method, total, payment, change_amount, is_finalized, created_at
		FROM sales
		WHERE id = ?
	`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sale_id, product_id, name, price, qty, subtotal
		FROM sale_items
		WHERE sale_id = ?
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
	return sale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var finalized int
	var createdAt string
	err := row.Scan(&sale.ID, &sale.InvoiceNo, &sale.UserID, &sale.PaymentMethod,
		&sale.Total, &sale.Payment, &sale.ChangeAmount, &finalized, &createdAt)
	if err != nil {
		return nil, err
	}
	sale.IsFinalized = finalized != 0
	sale.CreatedAt = parseTime(createdAt)
	return &sale, nil
}

func reportWhere(filter domain.ReportFilter, now time.Time) (string, []any) {
	switch filter.Type {
	case domain.ReportFilterDaily:
		return "WHERE date(created_at) = ?", []any{now.Format("2006-01-02")}
	case domain.ReportFilterDate:
		return "WHERE date(created_at) = ?", []any{filter.Date}
	case domain.ReportFilterMonth:
		return "WHERE strftime('%Y-%m', created_at) = ?", []any{filter.Month}
	default:
		return "", nil
	}
}

func windowCondition(column string, window string, now time.Time) (string, []any, error) {
	switch window {
	case domain.RankingWindowDaily:
		return "date(" + column + ") = ?", []any{now.Format("2006-01-02")}, nil
	case domain.RankingWindowWeekly:
		start := now.AddDate(0, 0, -6).Format("2006-01-02")
		return "date(" + column + ") >= ?", []any{start}, nil
	case domain.RankingWindowMonthly:
		return "strftime('%Y-%m', " + column + ") = ?", []any{now.Format("2006-01")}, nil
	case domain.RankingWindowYearly:
		return "strftime('%Y', " + column + ") = ?", []any{now.Format("2006")}, nil
	default:
		return "", nil, fmt.Errorf("window %q: %w", window, store.ErrInvalidInput)
	}
}
