package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/ranking"
	"warungpos/backend/internal/store"
	"warungpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	ranker         *ranking.Engine
	reportRowLimit int
	now            func() time.Time
}

func New(repo store.Repository, ranker *ranking.Engine, reportRowLimit int) *Service {
	if reportRowLimit < 1 {
		reportRowLimit = 100
	}

	return &Service{
		repo:           repo,
		ranker:         ranker,
		reportRowLimit: reportRowLimit,
		now:            time.Now,
	}
}

func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.Receipt, error) {
	input, err := s.saleInput(ctx, req.Items, req.Payment, req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	sale, err := s.repo.CreateSale(ctx, input)
	if errors.Is(err, store.ErrConflict) {
		// A lost race on the invoice serial or a lock timeout. The
		// retry re-runs the whole transaction, so it reallocates the
		// invoice and re-checks stock against committed state.
		log.Printf("[service] WARN: sale create hit a store conflict, retrying once: %v", err)
		input.CreatedAt = s.now()
		sale, err = s.repo.CreateSale(ctx, input)
	}
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "sale_create", "sale", sale.InvoiceNo,
		fmt.Sprintf("total=%d,payment=%d,method=%s,lines=%d", sale.Total, sale.Payment, sale.PaymentMethod, len(sale.Items)))
	s.ranker.InvalidateAll(ctx)
	return receiptOf(sale), nil
}

func (s *Service) ReviseSale(ctx context.Context, saleID int64, req domain.ReviseSaleRequest) (*domain.Receipt, error) {
	input, err := s.saleInput(ctx, req.Items, req.Payment, req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	sale, err := s.repo.ReviseSale(ctx, saleID, input, req.AllowFinalizedEdit)
	if errors.Is(err, store.ErrConflict) {
		log.Printf("[service] WARN: sale revise hit a store conflict, retrying once: %v", err)
		sale, err = s.repo.ReviseSale(ctx, saleID, input, req.AllowFinalizedEdit)
	}
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "sale_revise", "sale", sale.InvoiceNo,
		fmt.Sprintf("total=%d,payment=%d,method=%s,override=%t", sale.Total, sale.Payment, sale.PaymentMethod, req.AllowFinalizedEdit))
	s.ranker.InvalidateAll(ctx)
	return receiptOf(sale), nil
}

func (s *Service) FinalizeSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	sale, err := s.repo.FinalizeSale(ctx, saleID)
	if errors.Is(err, store.ErrConflict) {
		log.Printf("[service] WARN: sale finalize hit a store conflict, retrying once: %v", err)
		sale, err = s.repo.FinalizeSale(ctx, saleID)
	}
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "sale_finalize", "sale", sale.InvoiceNo, "")
	return sale, nil
}

func (s *Service) ReverseSale(ctx context.Context, saleID int64) error {
	sale, err := s.repo.ReverseSale(ctx, saleID)
	if errors.Is(err, store.ErrConflict) {
		log.Printf("[service] WARN: sale reverse hit a store conflict, retrying once: %v", err)
		sale, err = s.repo.ReverseSale(ctx, saleID)
	}
	if err != nil {
		return err
	}

	s.logAudit(ctx, "sale_reverse", "sale", sale.InvoiceNo,
		fmt.Sprintf("total=%d,lines=%d", sale.Total, len(sale.Items)))
	s.ranker.InvalidateAll(ctx)
	return nil
}

func (s *Service) GetSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

func (s *Service) QuerySalesReport(ctx context.Context, filter domain.ReportFilter, limit int) (*domain.SalesReport, error) {
	switch filter.Type {
	case "", domain.ReportFilterAll:
		filter.Type = domain.ReportFilterAll
	case domain.ReportFilterDaily:
	case domain.ReportFilterDate:
		if _, err := time.Parse("2006-01-02", filter.Date); err != nil {
			return nil, fmt.Errorf("date %q: %w", filter.Date, store.ErrInvalidInput)
		}
	case domain.ReportFilterMonth:
		if _, err := time.Parse("2006-01", filter.Month); err != nil {
			return nil, fmt.Errorf("month %q: %w", filter.Month, store.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("filter %q: %w", filter.Type, store.ErrInvalidInput)
	}

	if limit < 1 || limit > 500 {
		limit = s.reportRowLimit
	}
	return s.repo.QuerySalesReport(ctx, filter, limit, s.now())
}

func (s *Service) RankProducts(ctx context.Context, window string, limit int) ([]domain.RankingEntry, error) {
	if window == "" {
		window = domain.RankingWindowDaily
	}
	return s.ranker.Rank(ctx, window, limit, s.now())
}

func (s *Service) GetDashboard(ctx context.Context) (*domain.Dashboard, error) {
	return s.repo.GetDashboard(ctx, s.now())
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" || req.Name == "" || req.Price < 0 || req.Stock < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:   req.SKU,
		Name:  req.Name,
		Price: req.Price,
		Stock: req.Stock,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.SKU,
		fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.Price, created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.SKU != nil {
		sku := strings.ToUpper(strings.TrimSpace(*req.SKU))
		if sku == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.SKU = sku
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Price != nil {
		if *req.Price < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Price = *req.Price
	}
	if req.Stock != nil {
		if *req.Stock < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Stock = *req.Stock
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.SKU,
		fmt.Sprintf("name=%s,price=%d,stock=%d", saved.Name, saved.Price, saved.Stock))
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}

	s.logAudit(ctx, "product_delete", "product", existing.SKU, "")
	return nil
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.User, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.User{}, err
	}

	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if req.Username == "" || len(req.Password) < 6 {
		return domain.User{}, store.ErrInvalidInput
	}
	if req.Role == "" {
		req.Role = domain.RoleCashier
	}
	if req.Role != domain.RoleAdmin && req.Role != domain.RoleCashier {
		return domain.User{}, store.ErrInvalidInput
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}

	account := domain.UserAccount{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    string(hash),
		Role:        req.Role,
		CreatedAt:   s.now(),
	}
	if err := s.repo.CreateUser(ctx, account); err != nil {
		return domain.User{}, err
	}

	s.logAudit(ctx, "user_create", "user", account.Username, "role="+account.Role)
	return userOf(account), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	accounts, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(accounts))
	for _, account := range accounts {
		users = append(users, userOf(account))
	}
	return users, nil
}

func (s *Service) UpdateUser(ctx context.Context, username string, req domain.UserUpdateRequest) (domain.User, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.User{}, err
	}

	username = strings.ToLower(strings.TrimSpace(username))
	existing, err := s.repo.GetUser(ctx, username)
	if err != nil {
		return domain.User{}, err
	}

	updated := *existing
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			return domain.User{}, store.ErrInvalidInput
		}
		updated.DisplayName = name
	}
	if req.Role != nil {
		if *req.Role != domain.RoleAdmin && *req.Role != domain.RoleCashier {
			return domain.User{}, store.ErrInvalidInput
		}
		if existing.Role == domain.RoleAdmin && *req.Role != domain.RoleAdmin {
			if err := s.ensureAnotherAdmin(ctx, username); err != nil {
				return domain.User{}, err
			}
		}
		updated.Role = *req.Role
	}
	if req.Password != nil {
		if len(*req.Password) < 6 {
			return domain.User{}, store.ErrInvalidInput
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			return domain.User{}, err
		}
		updated.Password = string(hash)
	} else {
		updated.Password = ""
	}

	if err := s.repo.UpdateUser(ctx, updated); err != nil {
		return domain.User{}, err
	}

	s.logAudit(ctx, "user_update", "user", username, "role="+updated.Role)
	updated.Password = existing.Password
	return userOf(updated), nil
}

func (s *Service) DeleteUser(ctx context.Context, username string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	username = strings.ToLower(strings.TrimSpace(username))
	actor, _ := ActorFromContext(ctx)
	if actor.Username == username {
		return fmt.Errorf("cannot delete your own account: %w", store.ErrInvalidInput)
	}

	existing, err := s.repo.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if existing.Role == domain.RoleAdmin {
		if err := s.ensureAnotherAdmin(ctx, username); err != nil {
			return err
		}
	}

	if err := s.repo.DeleteUser(ctx, username); err != nil {
		return err
	}

	s.logAudit(ctx, "user_delete", "user", username, "")
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) GetSettings(ctx context.Context) (*domain.Settings, error) {
	return s.repo.GetSettings(ctx)
}

func (s *Service) UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	settings.StoreName = strings.TrimSpace(settings.StoreName)
	if settings.StoreName == "" {
		return nil, store.ErrInvalidInput
	}

	updated, err := s.repo.UpdateSettings(ctx, settings)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "settings_update", "settings", "", "store_name="+updated.StoreName)
	return updated, nil
}

// Backup snapshots the ledger when the underlying store supports it.
func (s *Service) Backup(ctx context.Context, destPath string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	backuper, ok := s.repo.(store.Backuper)
	if !ok {
		return fmt.Errorf("backup not supported by this store: %w", store.ErrInvalidInput)
	}
	if err := backuper.Backup(ctx, destPath); err != nil {
		return err
	}

	s.logAudit(ctx, "backup_create", "backup", destPath, "")
	return nil
}

// InvoiceView is the fully resolved sale handed to the print template.
type InvoiceView struct {
	Sale        domain.Sale
	CashierName string
	Settings    domain.Settings
}

func (s *Service) InvoiceData(ctx context.Context, saleID int64) (*InvoiceView, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}

	cashierName := sale.UserID
	if account, err := s.repo.GetUser(ctx, sale.UserID); err == nil && account.DisplayName != "" {
		cashierName = account.DisplayName
	}

	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	return &InvoiceView{Sale: *sale, CashierName: cashierName, Settings: *settings}, nil
}

// saleInput validates the caller side of a sale mutation: non-empty
// cart, positive quantities, known payment method, non-negative
// payment. Stock and price resolution happen inside the store
// transaction against live rows.
func (s *Service) saleInput(ctx context.Context, items []domain.CartLine, payment int64, paymentMethod string) (store.SaleInput, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return store.SaleInput{}, fmt.Errorf("missing actor")
	}

	if len(items) == 0 {
		return store.SaleInput{}, fmt.Errorf("empty cart: %w", store.ErrInvalidInput)
	}
	for _, item := range items {
		if item.ProductID < 1 || item.Qty < 1 {
			return store.SaleInput{}, fmt.Errorf("cart line product=%d qty=%d: %w", item.ProductID, item.Qty, store.ErrInvalidInput)
		}
	}
	if paymentMethod != domain.PaymentCash && paymentMethod != domain.PaymentQRIS {
		return store.SaleInput{}, fmt.Errorf("payment method %q: %w", paymentMethod, store.ErrInvalidInput)
	}
	if payment < 0 {
		return store.SaleInput{}, fmt.Errorf("negative payment: %w", store.ErrInvalidInput)
	}

	return store.SaleInput{
		UserID:        actor.Username,
		PaymentMethod: paymentMethod,
		Payment:       payment,
		Items:         items,
		CreatedAt:     s.now(),
	}, nil
}

func (s *Service) ensureAnotherAdmin(ctx context.Context, username string) error {
	accounts, err := s.repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if account.Role == domain.RoleAdmin && account.Username != username {
			return nil
		}
	}
	return fmt.Errorf("cannot remove the last admin: %w", store.ErrInvalidInput)
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	return nil
}

// logAudit records a successful mutation. Failures are logged and
// swallowed, an audit hiccup must never roll back the sale.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}

func receiptOf(sale *domain.Sale) *domain.Receipt {
	return &domain.Receipt{
		SaleID:        sale.ID,
		InvoiceNo:     sale.InvoiceNo,
		PaymentMethod: sale.PaymentMethod,
		Total:         sale.Total,
		Payment:       sale.Payment,
		ChangeAmount:  sale.ChangeAmount,
	}
}

func userOf(account domain.UserAccount) domain.User {
	return domain.User{
		Username:    account.Username,
		DisplayName: account.DisplayName,
		Role:        account.Role,
		CreatedAt:   account.CreatedAt,
	}
}
