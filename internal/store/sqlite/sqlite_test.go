package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateProduct(t *testing.T, s *Store, sku, name string, price int64, stock int) *domain.Product {
	t.Helper()

	product, err := s.CreateProduct(context.Background(), domain.Product{
		SKU: sku, Name: name, Price: price, Stock: stock,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", sku, err)
	}
	return product
}

func mustCreateSale(t *testing.T, s *Store, items []domain.CartLine, payment int64, method string, at time.Time) *domain.Sale {
	t.Helper()

	sale, err := s.CreateSale(context.Background(), store.SaleInput{
		UserID:        "cashier",
		PaymentMethod: method,
		Payment:       payment,
		Items:         items,
		CreatedAt:     at,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return sale
}

func TestProductCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := mustCreateProduct(t, s, "SKU-MIE-01", "Mie Goreng Instan", 3500, 120)
	if created.ID == 0 {
		t.Fatalf("expected assigned id")
	}

	if _, err := s.CreateProduct(ctx, domain.Product{SKU: "SKU-MIE-01", Name: "Duplikat", Price: 1, Stock: 1}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected duplicate sku to fail with ErrInvalidInput, got %v", err)
	}

	bySKU, err := s.GetProductBySKU(ctx, "SKU-MIE-01")
	if err != nil || bySKU.ID != created.ID {
		t.Fatalf("get by sku: %v %+v", err, bySKU)
	}

	created.Price = 4000
	updated, err := s.UpdateProduct(ctx, *created)
	if err != nil || updated.Price != 4000 {
		t.Fatalf("update product: %v %+v", err, updated)
	}

	if err := s.DeleteProduct(ctx, created.ID); err != nil {
		t.Fatalf("delete product: %v", err)
	}
	if _, err := s.GetProduct(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteProductReferencedBySaleFails(t *testing.T) {
	s := openTestStore(t)

	product := mustCreateProduct(t, s, "SKU-KOPI-01", "Kopi Sachet", 2600, 200)
	mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 1}}, 5000, domain.PaymentCash, time.Now())

	if err := s.DeleteProduct(context.Background(), product.ID); !errors.Is(err, store.ErrProductInUse) {
		t.Fatalf("expected ErrProductInUse, got %v", err)
	}
}

func TestCreateSaleTotalsInvoiceAndStock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mie := mustCreateProduct(t, s, "SKU-MIE-01", "Mie Goreng Instan", 3500, 120)
	kopi := mustCreateProduct(t, s, "SKU-KOPI-01", "Kopi Sachet", 2600, 200)

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	sale := mustCreateSale(t, s, []domain.CartLine{
		{ProductID: mie.ID, Qty: 2},
		{ProductID: kopi.ID, Qty: 1},
	}, 10000, domain.PaymentCash, at)

	if sale.Total != 9600 || sale.ChangeAmount != 400 {
		t.Fatalf("unexpected totals %+v", sale)
	}
	if sale.InvoiceNo != "INV/26/03/14/00001" {
		t.Fatalf("unexpected invoice %q", sale.InvoiceNo)
	}
	if len(sale.Items) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(sale.Items))
	}

	second := mustCreateSale(t, s, []domain.CartLine{{ProductID: mie.ID, Qty: 1}}, 5000, domain.PaymentCash, at)
	if second.InvoiceNo != "INV/26/03/14/00002" {
		t.Fatalf("expected serial 2, got %q", second.InvoiceNo)
	}

	after, _ := s.GetProduct(ctx, mie.ID)
	if after.Stock != 117 {
		t.Fatalf("expected stock 117, got %d", after.Stock)
	}
}

func TestConcurrentSalesGetDistinctInvoices(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	product := mustCreateProduct(t, s, "SKU-MIE-01", "Mie Goreng Instan", 3500, 500)

	const writers = 8
	invoices := make(chan string, writers)
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sale, err := s.CreateSale(context.Background(), store.SaleInput{
				UserID:        "cashier",
				PaymentMethod: domain.PaymentCash,
				Payment:       10000,
				Items:         []domain.CartLine{{ProductID: product.ID, Qty: 1}},
				CreatedAt:     at,
			})
			if err != nil {
				errs <- err
				return
			}
			invoices <- sale.InvoiceNo
		}()
	}
	wg.Wait()
	close(invoices)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent sale: %v", err)
	}

	prefix := store.InvoicePrefix(at)
	seen := make(map[string]bool, writers)
	for invoice := range invoices {
		if seen[invoice] {
			t.Fatalf("duplicate invoice %s", invoice)
		}
		seen[invoice] = true
		if serial := store.InvoiceSerial(prefix, invoice); serial < 1 || serial > writers {
			t.Fatalf("serial out of range: %s", invoice)
		}
	}
	if len(seen) != writers {
		t.Fatalf("expected %d distinct invoices, got %d", writers, len(seen))
	}
}

func TestCreateSaleValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	product := mustCreateProduct(t, s, "SKU-AIR-01", "Air Mineral 600ml", 3900, 5)

	_, err := s.CreateSale(ctx, store.SaleInput{
		UserID: "cashier", PaymentMethod: domain.PaymentCash, Payment: 1000,
		Items: []domain.CartLine{{ProductID: product.ID, Qty: 1}},
	})
	if !errors.Is(err, store.ErrPaymentShort) {
		t.Fatalf("expected ErrPaymentShort, got %v", err)
	}

	_, err = s.CreateSale(ctx, store.SaleInput{
		UserID: "cashier", PaymentMethod: domain.PaymentCash, Payment: 100000,
		Items: []domain.CartLine{{ProductID: product.ID, Qty: 3}, {ProductID: product.ID, Qty: 3}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock for aggregated lines, got %v", err)
	}

	_, err = s.CreateSale(ctx, store.SaleInput{
		UserID: "cashier", PaymentMethod: domain.PaymentCash, Payment: 100000,
		Items: []domain.CartLine{{ProductID: 999, Qty: 1}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Failed sales must not touch stock.
	reloaded, _ := s.GetProduct(ctx, product.ID)
	if reloaded.Stock != 5 {
		t.Fatalf("stock drifted after failed sales: %d", reloaded.Stock)
	}
}

func TestReviseSaleRestoresThenReapplies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mie := mustCreateProduct(t, s, "SKU-MIE-01", "Mie Goreng Instan", 3500, 20)
	kopi := mustCreateProduct(t, s, "SKU-KOPI-01", "Kopi Sachet", 2600, 20)

	sale := mustCreateSale(t, s, []domain.CartLine{{ProductID: mie.ID, Qty: 4}}, 20000, domain.PaymentCash, time.Now())

	revised, err := s.ReviseSale(ctx, sale.ID, store.SaleInput{
		UserID: "cashier", PaymentMethod: domain.PaymentQRIS, Payment: 20000,
		Items: []domain.CartLine{{ProductID: mie.ID, Qty: 1}, {ProductID: kopi.ID, Qty: 2}},
	}, false)
	if err != nil {
		t.Fatalf("revise: %v", err)
	}
	if revised.InvoiceNo != sale.InvoiceNo {
		t.Fatalf("invoice changed: %q vs %q", sale.InvoiceNo, revised.InvoiceNo)
	}
	if revised.Total != 3500+2*2600 {
		t.Fatalf("unexpected revised total %d", revised.Total)
	}
	if revised.PaymentMethod != domain.PaymentQRIS {
		t.Fatalf("expected payment method updated, got %q", revised.PaymentMethod)
	}

	mieNow, _ := s.GetProduct(ctx, mie.ID)
	kopiNow, _ := s.GetProduct(ctx, kopi.ID)
	if mieNow.Stock != 19 || kopiNow.Stock != 18 {
		t.Fatalf("unexpected stock after revision: mie=%d kopi=%d", mieNow.Stock, kopiNow.Stock)
	}
}

func TestReviseFailedValidationRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	product := mustCreateProduct(t, s, "SKU-TEH-01", "Teh Celup", 9800, 10)
	sale := mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 3}}, 50000, domain.PaymentCash, time.Now())

	_, err := s.ReviseSale(ctx, sale.ID, store.SaleInput{
		UserID: "cashier", PaymentMethod: domain.PaymentCash, Payment: 9999999,
		Items: []domain.CartLine{{ProductID: product.ID, Qty: 100}},
	}, false)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	reloaded, err := s.GetSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if len(reloaded.Items) != 1 || reloaded.Items[0].Qty != 3 {
		t.Fatalf("expected original lines, got %+v", reloaded.Items)
	}
	stock, _ := s.GetProduct(ctx, product.ID)
	if stock.Stock != 7 {
		t.Fatalf("expected stock 7, got %d", stock.Stock)
	}
}

func TestFinalizeAndLockSemantics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	product := mustCreateProduct(t, s, "SKU-GULA-01", "Gula 1kg", 17400, 90)
	sale := mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 1}}, 20000, domain.PaymentCash, time.Now())

	for i := 0; i < 2; i++ {
		finalized, err := s.FinalizeSale(ctx, sale.ID)
		if err != nil || !finalized.IsFinalized {
			t.Fatalf("finalize attempt %d: %v %+v", i+1, err, finalized)
		}
	}

	input := store.SaleInput{
		UserID: "cashier", PaymentMethod: domain.PaymentCash, Payment: 20000,
		Items: []domain.CartLine{{ProductID: product.ID, Qty: 2}},
	}
	if _, err := s.ReviseSale(ctx, sale.ID, input, false); !errors.Is(err, store.ErrSaleFinalized) {
		t.Fatalf("expected ErrSaleFinalized, got %v", err)
	}
	if _, err := s.ReviseSale(ctx, sale.ID, input, true); err != nil {
		t.Fatalf("override revise: %v", err)
	}
}

func TestReverseSaleRestoresStockAndDeletes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	product := mustCreateProduct(t, s, "SKU-SUSU-01", "Susu UHT 1L", 18900, 60)
	sale := mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 7}}, 200000, domain.PaymentQRIS, time.Now())

	if _, err := s.ReverseSale(ctx, sale.ID); err != nil {
		t.Fatalf("reverse: %v", err)
	}

	restored, _ := s.GetProduct(ctx, product.ID)
	if restored.Stock != 60 {
		t.Fatalf("expected stock restored to 60, got %d", restored.Stock)
	}
	if _, err := s.GetSale(ctx, sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale gone, got %v", err)
	}
}

func TestQuerySalesReportFiltersAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 20, 18, 0, 0, 0, time.Local)

	product := mustCreateProduct(t, s, "SKU-ROTI-01", "Roti Tawar", 17800, 400)

	mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 1}}, 20000, domain.PaymentCash, now)
	mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 1}}, 20000, domain.PaymentCash, now)
	mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 1}}, 20000, domain.PaymentQRIS, now.AddDate(0, 0, -3))
	mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 1}}, 20000, domain.PaymentCash, now.AddDate(0, -1, 0))

	daily, err := s.QuerySalesReport(ctx, domain.ReportFilter{Type: domain.ReportFilterDaily}, 1, now)
	if err != nil {
		t.Fatalf("daily report: %v", err)
	}
	if len(daily.Sales) != 1 || daily.Summary.TransactionCount != 2 {
		t.Fatalf("daily: rows=%d summary=%+v", len(daily.Sales), daily.Summary)
	}

	byDate, err := s.QuerySalesReport(ctx, domain.ReportFilter{Type: domain.ReportFilterDate, Date: "2026-04-17"}, 50, now)
	if err != nil {
		t.Fatalf("date report: %v", err)
	}
	if byDate.Summary.TransactionCount != 1 || byDate.Summary.QRISTotal != 17800 {
		t.Fatalf("unexpected date summary %+v", byDate.Summary)
	}

	byMonth, err := s.QuerySalesReport(ctx, domain.ReportFilter{Type: domain.ReportFilterMonth, Month: "2026-03"}, 50, now)
	if err != nil {
		t.Fatalf("month report: %v", err)
	}
	if byMonth.Summary.TransactionCount != 1 {
		t.Fatalf("expected 1 March sale, got %d", byMonth.Summary.TransactionCount)
	}

	all, err := s.QuerySalesReport(ctx, domain.ReportFilter{Type: domain.ReportFilterAll}, 50, now)
	if err != nil {
		t.Fatalf("all report: %v", err)
	}
	if all.Summary.TransactionCount != 4 || all.Summary.TotalSum != 4*17800 {
		t.Fatalf("unexpected all summary %+v", all.Summary)
	}
}

func TestRankProductsWindowsAndOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 20, 18, 0, 0, 0, time.Local)

	kopi := mustCreateProduct(t, s, "SKU-KOPI-01", "Kopi Sachet", 2600, 200)
	telur := mustCreateProduct(t, s, "SKU-TELUR-01", "Telur 10 Butir", 26500, 80)
	habis := mustCreateProduct(t, s, "SKU-HABIS-01", "Stok Habis", 1000, 9)

	mustCreateSale(t, s, []domain.CartLine{{ProductID: kopi.ID, Qty: 9}}, 100000, domain.PaymentCash, now)
	mustCreateSale(t, s, []domain.CartLine{{ProductID: telur.ID, Qty: 4}}, 200000, domain.PaymentCash, now.AddDate(0, 0, -4))
	mustCreateSale(t, s, []domain.CartLine{{ProductID: habis.ID, Qty: 9}}, 100000, domain.PaymentCash, now)

	daily, err := s.RankProducts(ctx, domain.RankingWindowDaily, 8, now)
	if err != nil {
		t.Fatalf("daily rank: %v", err)
	}
	// habis sold out and drops off; telur had no sale today but stays in
	// stock, so it ranks after kopi with zero qty.
	if len(daily) != 2 || daily[0].ProductID != kopi.ID || daily[0].TotalQty != 9 {
		t.Fatalf("unexpected daily ranking %+v", daily)
	}
	if daily[1].ProductID != telur.ID || daily[1].TotalQty != 0 {
		t.Fatalf("expected zero-qty telur entry, got %+v", daily[1])
	}

	weekly, err := s.RankProducts(ctx, domain.RankingWindowWeekly, 8, now)
	if err != nil {
		t.Fatalf("weekly rank: %v", err)
	}
	if len(weekly) != 2 || weekly[0].ProductID != kopi.ID || weekly[1].ProductID != telur.ID || weekly[1].TotalQty != 4 {
		t.Fatalf("unexpected weekly ranking %+v", weekly)
	}

	if _, err := s.RankProducts(ctx, "quarterly", 8, now); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGetDashboard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 20, 18, 30, 0, 0, time.Local)

	product := mustCreateProduct(t, s, "SKU-MIE-01", "Mie Goreng Instan", 3500, 500)

	mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 2}}, 10000, domain.PaymentCash, now.Add(-2*time.Hour))
	mustCreateSale(t, s, []domain.CartLine{{ProductID: product.ID, Qty: 3}}, 20000, domain.PaymentQRIS, now.AddDate(0, 0, -2))

	dash, err := s.GetDashboard(ctx, now)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.Today.Transactions != 1 || dash.Today.ItemsSold != 2 {
		t.Fatalf("unexpected today %+v", dash.Today)
	}
	if dash.Week.Transactions != 2 || dash.Week.ItemsSold != 5 {
		t.Fatalf("unexpected week %+v", dash.Week)
	}
	if len(dash.HourlyTrend) != 24 || dash.HourlyTrend[16].Revenue != 7000 {
		t.Fatalf("unexpected hourly trend")
	}
	if len(dash.DailyTrend) != 7 {
		t.Fatalf("expected 7 daily buckets, got %d", len(dash.DailyTrend))
	}
	if len(dash.TopProducts) != 1 || dash.TopProducts[0].TotalQty != 5 {
		t.Fatalf("unexpected top products %+v", dash.TopProducts)
	}
}

func TestUserAndSettingsPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, domain.UserAccount{
		Username: "Budi", DisplayName: "Budi", Password: "$2a$10$fakehashfakehashfakehash", Role: domain.RoleCashier, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	account, err := s.GetUser(ctx, "budi")
	if err != nil || account.Role != domain.RoleCashier {
		t.Fatalf("get user: %v %+v", err, account)
	}

	// Empty password on update keeps the stored hash.
	account.DisplayName = "Budi Santoso"
	account.Password = ""
	if err := s.UpdateUser(ctx, *account); err != nil {
		t.Fatalf("update user: %v", err)
	}
	reloaded, _ := s.GetUser(ctx, "budi")
	if reloaded.DisplayName != "Budi Santoso" || reloaded.Password == "" {
		t.Fatalf("unexpected user after update %+v", reloaded)
	}

	updated, err := s.UpdateSettings(ctx, domain.Settings{StoreName: "Warung Bu Sri", ReceiptFooter: "Terima kasih"})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got, err := s.GetSettings(ctx)
	if err != nil || got.StoreName != updated.StoreName {
		t.Fatalf("get settings: %v %+v", err, got)
	}
}

func TestBackupWritesSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustCreateProduct(t, s, "SKU-MIE-01", "Mie Goreng Instan", 3500, 120)

	dest := filepath.Join(t.TempDir(), "snapshot.db")
	if err := s.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected snapshot file, err=%v", err)
	}

	if err := s.Backup(ctx, " "); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank path, got %v", err)
	}
}

func TestBootstrapSeedsOnceAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Bootstrap(ctx); err != nil {
			t.Fatalf("bootstrap attempt %d: %v", i+1, err)
		}
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 seeded users, got %d", len(users))
	}
}
