package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
	"warungpos/backend/internal/xid"
)

type Store struct {
	mu            sync.RWMutex
	products      map[int64]domain.Product
	sales         map[int64]*domain.Sale
	users         map[string]domain.UserAccount
	auditLogs     []domain.AuditLog
	settings      domain.Settings
	nextProductID int64
	nextSaleID    int64
	nextLineID    int64
}

func New() *Store {
	return &Store{
		products:  make(map[int64]domain.Product),
		sales:     make(map[int64]*domain.Sale),
		users:     make(map[string]domain.UserAccount),
		auditLogs: make([]domain.AuditLog, 0, 128),
		settings: domain.Settings{
			StoreName:     "WarungPOS",
			ReceiptFooter: "Terima kasih atas kunjungan Anda",
		},
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// deployments, which run against a durable store.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		display  string
		password string
		role     string
	}{
		{"admin", "Administrator", adminPwd, domain.RoleAdmin},
		{"cashier", "Kasir", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:    u.username,
			DisplayName: u.display,
			Password:    string(hash),
			Role:        u.role,
			CreatedAt:   now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	s.users = seedUsers()

	seed := []domain.Product{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Price: 3500, Stock: 120},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Price: 26500, Stock: 80},
		{SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Price: 18900, Stock: 60},
		{SKU: "SKU-ROTI-01", Name: "Roti Tawar", Price: 17800, Stock: 40},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Price: 2600, Stock: 200},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", Price: 17400, Stock: 90},
		{SKU: "SKU-TEH-01", Name: "Teh Celup", Price: 9800, Stock: 75},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Price: 3900, Stock: 240},
		{SKU: "SKU-KERIPIK-01", Name: "Keripik Singkong", Price: 12800, Stock: 55},
		{SKU: "SKU-COKLAT-01", Name: "Coklat Batang", Price: 8600, Stock: 48},
	}
	for _, p := range seed {
		s.nextProductID++
		p.ID = s.nextProductID
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products {
		if p.SKU == sku {
			copyProduct := p
			return &copyProduct, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Price < 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	for _, p := range s.products {
		if p.SKU == product.SKU {
			return nil, fmt.Errorf("sku %q already exists: %w", product.SKU, store.ErrInvalidInput)
		}
	}

	s.nextProductID++
	product.ID = s.nextProductID
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Price < 0 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}
	for _, p := range s.products {
		if p.SKU == product.SKU && p.ID != product.ID {
			return nil, fmt.Errorf("sku %q already exists: %w", product.SKU, store.ErrInvalidInput)
		}
	}

	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	for _, sale := range s.sales {
		for _, line := range sale.Items {
			if line.ProductID == id {
				return store.ErrProductInUse
			}
		}
	}
	delete(s.products, id)
	return nil
}

func (s *Store) CreateSale(_ context.Context, input store.SaleInput) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	lines, total, err := s.buildLines(input.Items)
	if err != nil {
		return nil, err
	}
	if input.Payment < total {
		return nil, store.ErrPaymentShort
	}

	for _, line := range lines {
		p := s.products[line.ProductID]
		p.Stock -= line.Qty
		s.products[line.ProductID] = p
	}

	s.nextSaleID++
	sale := &domain.Sale{
		ID:            s.nextSaleID,
		InvoiceNo:     s.nextInvoice(createdAt),
		UserID:        input.UserID,
		PaymentMethod: input.PaymentMethod,
		Total:         total,
		Payment:       input.Payment,
		ChangeAmount:  input.Payment - total,
		CreatedAt:     createdAt,
	}
	for i := range lines {
		s.nextLineID++
		lines[i].ID = s.nextLineID
		lines[i].SaleID = sale.ID
	}
	sale.Items = lines
	s.sales[sale.ID] = sale
	return cloneSale(sale), nil
}

func (s *Store) ReviseSale(_ context.Context, saleID int64, input store.SaleInput, allowFinalizedEdit bool) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if sale.IsFinalized && !allowFinalizedEdit {
		return nil, store.ErrSaleFinalized
	}

	// Restore stock for every existing line before validating the new
	// cart. A missing product here means historical data is broken, so
	// the whole edit is rejected rather than losing the restitution.
	restored := make(map[int64]int, len(sale.Items))
	for _, line := range sale.Items {
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, fmt.Errorf("restore stock for %q: %w", line.Name, store.ErrNotFound)
		}
		restored[line.ProductID] += line.Qty
	}
	for productID, qty := range restored {
		p := s.products[productID]
		p.Stock += qty
		s.products[productID] = p
	}
	undo := func() {
		for productID, qty := range restored {
			p := s.products[productID]
			p.Stock -= qty
			s.products[productID] = p
		}
	}

	lines, total, err := s.buildLines(input.Items)
	if err != nil {
		undo()
		return nil, err
	}
	if input.Payment < total {
		undo()
		return nil, store.ErrPaymentShort
	}

	for _, line := range lines {
		p := s.products[line.ProductID]
		p.Stock -= line.Qty
		s.products[line.ProductID] = p
	}

	for i := range lines {
		s.nextLineID++
		lines[i].ID = s.nextLineID
		lines[i].SaleID = sale.ID
	}
	sale.Items = lines
	sale.PaymentMethod = input.PaymentMethod
	sale.Total = total
	sale.Payment = input.Payment
	sale.ChangeAmount = input.Payment - total
	return cloneSale(sale), nil
}

func (s *Store) FinalizeSale(_ context.Context, saleID int64) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	sale.IsFinalized = true
	return cloneSale(sale), nil
}

func (s *Store) ReverseSale(_ context.Context, saleID int64) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	for _, line := range sale.Items {
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, fmt.Errorf("restore stock for %q: %w", line.Name, store.ErrNotFound)
		}
	}
	for _, line := range sale.Items {
		p := s.products[line.ProductID]
		p.Stock += line.Qty
		s.products[line.ProductID] = p
	}
	delete(s.sales, saleID)
	return cloneSale(sale), nil
}

func (s *Store) GetSale(_ context.Context, saleID int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.sales[saleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) QuerySalesReport(_ context.Context, filter domain.ReportFilter, limit int, now time.Time) (*domain.SalesReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if saleMatchesFilter(sale, filter, now) {
			matched = append(matched, *cloneSale(sale))
		}
	}
	slices.SortFunc(matched, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return int(b.ID - a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	summary := domain.ReportSummary{}
	for _, sale := range matched {
		summary.TransactionCount++
		summary.TotalSum += sale.Total
		summary.PaymentSum += sale.Payment
		summary.ChangeSum += sale.ChangeAmount
		switch sale.PaymentMethod {
		case domain.PaymentCash:
			summary.CashTotal += sale.Total
		case domain.PaymentQRIS:
			summary.QRISTotal += sale.Total
		}
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return &domain.SalesReport{Sales: matched, Summary: summary}, nil
}

func (s *Store) RankProducts(_ context.Context, window string, limit int, now time.Time) ([]domain.RankingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rankLocked(window, limit, now)
}

func (s *Store) GetDashboard(_ context.Context, now time.Time) (*domain.Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dashboard := &domain.Dashboard{}
	collect := func(window string) domain.DashboardPeriod {
		period := domain.DashboardPeriod{}
		for _, sale := range s.sales {
			if !saleInWindow(sale.CreatedAt, window, now) {
				continue
			}
			period.Transactions++
			period.Revenue += sale.Total
			for _, line := range sale.Items {
				period.ItemsSold += int64(line.Qty)
			}
		}
		return period
	}
	dashboard.Today = collect(domain.RankingWindowDaily)
	dashboard.Week = collect(domain.RankingWindowWeekly)
	dashboard.Month = collect(domain.RankingWindowMonthly)

	today := now.Format("2006-01-02")
	hourly := make([]domain.TrendPoint, 24)
	for hour := range hourly {
		hourly[hour].Label = fmt.Sprintf("%02d", hour)
	}
	for _, sale := range s.sales {
		at := sale.CreatedAt.In(now.Location())
		if at.Format("2006-01-02") != today {
			continue
		}
		hourly[at.Hour()].Transactions++
		hourly[at.Hour()].Revenue += sale.Total
	}
	dashboard.HourlyTrend = hourly

	daily := make([]domain.TrendPoint, 7)
	byDate := make(map[string]*domain.TrendPoint, 7)
	for i := range daily {
		day := now.AddDate(0, 0, i-6)
		daily[i].Label = day.Format("2006-01-02")
		byDate[daily[i].Label] = &daily[i]
	}
	for _, sale := range s.sales {
		date := sale.CreatedAt.In(now.Location()).Format("2006-01-02")
		if point, ok := byDate[date]; ok {
			point.Transactions++
			point.Revenue += sale.Total
		}
	}
	dashboard.DailyTrend = daily

	top, err := s.rankLocked(domain.RankingWindowWeekly, 4, now)
	if err != nil {
		return nil, err
	}
	dashboard.TopProducts = top
	return dashboard, nil
}

// rankLocked is RankProducts for callers already holding the read lock.
func (s *Store) rankLocked(window string, limit int, now time.Time) ([]domain.RankingEntry, error) {
	qtyByProduct := make(map[int64]int64)
	revenueByProduct := make(map[int64]int64)
	for _, sale := range s.sales {
		if !saleInWindow(sale.CreatedAt, window, now) {
			continue
		}
		for _, line := range sale.Items {
			qtyByProduct[line.ProductID] += int64(line.Qty)
			revenueByProduct[line.ProductID] += line.Subtotal
		}
	}
	// Every in-stock product ranks, including those with no sales in the
	// window; zero-sale products fall back to the stock and name
	// tie-breakers.
	entries := make([]domain.RankingEntry, 0, len(s.products))
	for _, product := range s.products {
		if product.Stock <= 0 {
			continue
		}
		entries = append(entries, domain.RankingEntry{
			ProductID:    product.ID,
			SKU:          product.SKU,
			Name:         product.Name,
			Price:        product.Price,
			Stock:        product.Stock,
			TotalQty:     qtyByProduct[product.ID],
			TotalRevenue: revenueByProduct[product.ID],
		})
	}
	slices.SortFunc(entries, func(a, b domain.RankingEntry) int {
		if a.TotalQty != b.TotalQty {
			if a.TotalQty > b.TotalQty {
				return -1
			}
			return 1
		}
		if a.TotalRevenue != b.TotalRevenue {
			if a.TotalRevenue > b.TotalRevenue {
				return -1
			}
			return 1
		}
		if a.Stock != b.Stock {
			if a.Stock > b.Stock {
				return -1
			}
			return 1
		}
		return cmpString(a.Name, b.Name)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("username %q already exists: %w", username, store.ErrInvalidInput)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyUser := user
	return &copyUser, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	existing, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Username = username
	user.CreatedAt = existing.CreatedAt
	if user.Password == "" {
		user.Password = existing.Password
	}
	s.users[username] = user
	return nil
}

func (s *Store) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if _, exists := s.users[username]; !exists {
		return store.ErrNotFound
	}
	delete(s.users, username)
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, len(s.auditLogs))
	copy(result, s.auditLogs)
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetSettings(_ context.Context) (*domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copySettings := s.settings
	return &copySettings, nil
}

func (s *Store) UpdateSettings(_ context.Context, settings domain.Settings) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = settings
	copySettings := settings
	return &copySettings, nil
}

// buildLines resolves the cart against live products under the write lock,
// snapshotting name and price and checking stock. Caller holds s.mu.
func (s *Store) buildLines(items []domain.CartLine) ([]domain.SaleLine, int64, error) {
	if len(items) == 0 {
		return nil, 0, store.ErrInvalidInput
	}

	needed := make(map[int64]int, len(items))
	lines := make([]domain.SaleLine, 0, len(items))
	total := int64(0)
	for _, item := range items {
		if item.Qty < 1 {
			return nil, 0, store.ErrInvalidInput
		}
		product, exists := s.products[item.ProductID]
		if !exists {
			return nil, 0, fmt.Errorf("product %d: %w", item.ProductID, store.ErrNotFound)
		}
		needed[item.ProductID] += item.Qty
		if needed[item.ProductID] > product.Stock {
			return nil, 0, fmt.Errorf("%w: %s", store.ErrInsufficientStock, product.Name)
		}
		subtotal := product.Price * int64(item.Qty)
		lines = append(lines, domain.SaleLine{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     product.Price,
			Qty:       item.Qty,
			Subtotal:  subtotal,
		})
		total += subtotal
	}
	return lines, total, nil
}

// nextInvoice allocates the next invoice number for the day of createdAt.
// Caller holds s.mu, which stands in for the transaction isolation the
// durable stores rely on.
func (s *Store) nextInvoice(createdAt time.Time) string {
	prefix := store.InvoicePrefix(createdAt)
	maxSerial := 0
	for _, sale := range s.sales {
		if serial := store.InvoiceSerial(prefix, sale.InvoiceNo); serial > maxSerial {
			maxSerial = serial
		}
	}
	return store.FormatInvoice(prefix, maxSerial+1)
}

func saleMatchesFilter(sale *domain.Sale, filter domain.ReportFilter, now time.Time) bool {
	at := sale.CreatedAt.In(now.Location())
	switch filter.Type {
	case domain.ReportFilterDaily:
		return at.Format("2006-01-02") == now.Format("2006-01-02")
	case domain.ReportFilterDate:
		return at.Format("2006-01-02") == filter.Date
	case domain.ReportFilterMonth:
		return at.Format("2006-01") == filter.Month
	default:
		return true
	}
}

func saleInWindow(createdAt time.Time, window string, now time.Time) bool {
	at := createdAt.In(now.Location())
	switch window {
	case domain.RankingWindowDaily:
		return at.Format("2006-01-02") == now.Format("2006-01-02")
	case domain.RankingWindowWeekly:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -6)
		return !at.Before(start)
	case domain.RankingWindowMonthly:
		return at.Format("2006-01") == now.Format("2006-01")
	case domain.RankingWindowYearly:
		return at.Year() == now.Year()
	default:
		return false
	}
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.SaleLine, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
