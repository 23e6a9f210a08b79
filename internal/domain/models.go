package domain

import "time"

type Product struct {
	ID    int64  `json:"id"`
	SKU   string `json:"sku"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock int    `json:"stock"`
}

type ProductCreateRequest struct {
	SKU   string `json:"sku"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock int    `json:"stock"`
}

type ProductUpdateRequest struct {
	SKU   *string `json:"sku,omitempty"`
	Name  *string `json:"name,omitempty"`
	Price *int64  `json:"price,omitempty"`
	Stock *int    `json:"stock,omitempty"`
}

type CartLine struct {
	ProductID int64 `json:"product_id"`
	Qty       int   `json:"qty"`
}

type SaleLine struct {
	ID        int64  `json:"id"`
	SaleID    int64  `json:"sale_id"`
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Qty       int    `json:"qty"`
	Subtotal  int64  `json:"subtotal"`
}

type Sale struct {
	ID            int64      `json:"id"`
	InvoiceNo     string     `json:"invoice_no"`
	UserID        string     `json:"user_id"`
	PaymentMethod string     `json:"payment_method"`
	Total         int64      `json:"total"`
	Payment       int64      `json:"payment"`
	ChangeAmount  int64      `json:"change_amount"`
	IsFinalized   bool       `json:"is_finalized"`
	CreatedAt     time.Time  `json:"created_at"`
	Items         []SaleLine `json:"items,omitempty"`
}

type Receipt struct {
	SaleID        int64  `json:"sale_id"`
	InvoiceNo     string `json:"invoice_no"`
	PaymentMethod string `json:"payment_method"`
	Total         int64  `json:"total"`
	Payment       int64  `json:"payment"`
	ChangeAmount  int64  `json:"change_amount"`
}

type CreateSaleRequest struct {
	Items         []CartLine `json:"items"`
	Payment       int64      `json:"payment"`
	PaymentMethod string     `json:"payment_method"`
}

type ReviseSaleRequest struct {
	Items              []CartLine `json:"items"`
	Payment            int64      `json:"payment"`
	PaymentMethod      string     `json:"payment_method"`
	AllowFinalizedEdit bool       `json:"allow_finalized_edit"`
	ManagerPIN         string     `json:"manager_pin,omitempty"`
}

type ReportFilter struct {
	Type  string `json:"type"`
	Date  string `json:"date,omitempty"`
	Month string `json:"month,omitempty"`
}

type ReportSummary struct {
	TransactionCount int64 `json:"transaction_count"`
	TotalSum         int64 `json:"total_sum"`
	PaymentSum       int64 `json:"payment_sum"`
	ChangeSum        int64 `json:"change_sum"`
	CashTotal        int64 `json:"cash_total"`
	QRISTotal        int64 `json:"qris_total"`
}

type SalesReport struct {
	Sales   []Sale        `json:"sales"`
	Summary ReportSummary `json:"summary"`
}

type RankingEntry struct {
	ProductID    int64  `json:"product_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Price        int64  `json:"price"`
	Stock        int    `json:"stock"`
	TotalQty     int64  `json:"total_qty"`
	TotalRevenue int64  `json:"total_revenue"`
}

type TrendPoint struct {
	Label        string `json:"label"`
	Transactions int64  `json:"transactions"`
	Revenue      int64  `json:"revenue"`
}

type DashboardPeriod struct {
	Transactions int64 `json:"transactions"`
	Revenue      int64 `json:"revenue"`
	ItemsSold    int64 `json:"items_sold"`
}

type Dashboard struct {
	Today       DashboardPeriod `json:"today"`
	Week        DashboardPeriod `json:"week"`
	Month       DashboardPeriod `json:"month"`
	HourlyTrend []TrendPoint    `json:"hourly_trend"`
	DailyTrend  []TrendPoint    `json:"daily_trend"`
	TopProducts []RankingEntry  `json:"top_products"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type User struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

type UserUpdateRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	Password    *string `json:"password,omitempty"`
	Role        *string `json:"role,omitempty"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username    string
	DisplayName string
	Password    string
	Role        string
	CreatedAt   time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Settings struct {
	StoreName     string `json:"store_name"`
	StoreAddress  string `json:"store_address"`
	ReceiptFooter string `json:"receipt_footer"`
}

const (
	PaymentCash = "cash"
	PaymentQRIS = "qris"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	ReportFilterAll   = "all"
	ReportFilterDaily = "daily"
	ReportFilterDate  = "date"
	ReportFilterMonth = "month"
)

const (
	RankingWindowDaily   = "daily"
	RankingWindowWeekly  = "weekly"
	RankingWindowMonthly = "monthly"
	RankingWindowYearly  = "yearly"
)
