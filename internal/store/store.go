package store

import (
	"context"
	"errors"
	"time"

	"warungpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrSaleFinalized     = errors.New("sale finalized")
	ErrPaymentShort      = errors.New("payment below total")
	ErrInvalidInput      = errors.New("invalid input")
	ErrProductInUse      = errors.New("product referenced by sales")
	ErrConflict          = errors.New("store conflict")
)

// SaleInput is the validated payload handed to a sale mutation. The store
// resolves prices and checks stock against live rows inside its own
// transaction; fields here are caller intent, not derived values.
type SaleInput struct {
	UserID        string
	PaymentMethod string
	Payment       int64
	Items         []domain.CartLine
	CreatedAt     time.Time
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error

	CreateSale(ctx context.Context, input SaleInput) (*domain.Sale, error)
	ReviseSale(ctx context.Context, saleID int64, input SaleInput, allowFinalizedEdit bool) (*domain.Sale, error)
	FinalizeSale(ctx context.Context, saleID int64) (*domain.Sale, error)
	ReverseSale(ctx context.Context, saleID int64) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID int64) (*domain.Sale, error)
	QuerySalesReport(ctx context.Context, filter domain.ReportFilter, limit int, now time.Time) (*domain.SalesReport, error)
	RankProducts(ctx context.Context, window string, limit int, now time.Time) ([]domain.RankingEntry, error)
	GetDashboard(ctx context.Context, now time.Time) (*domain.Dashboard, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUser(ctx context.Context, user domain.UserAccount) error
	DeleteUser(ctx context.Context, username string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	GetSettings(ctx context.Context) (*domain.Settings, error)
	UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error)
}

// Backuper is implemented by stores that can snapshot themselves to a file.
type Backuper interface {
	Backup(ctx context.Context, destPath string) error
}
