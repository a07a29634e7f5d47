package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"chulah/checkout/internal/menu"
	"chulah/checkout/internal/provider"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound         = errors.New("order not found")
	ErrValidation            = errors.New("invalid order")
	ErrOrderCreation         = errors.New("order creation failed")
	ErrPaymentLink           = errors.New("payment link request failed")
	ErrProviderOrderConflict = errors.New("order already linked to another provider order")
)

// Repository is the order store. Create may replace o.ID with a store-assigned id.
// ApplyPayment must be a compare-and-set: it writes only when Decide allows it
// against the state it actually replaces.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*Order, error)
	AttachProviderOrder(ctx context.Context, id, providerOrderID string) (*Order, error)
	ApplyPayment(ctx context.Context, id string, u PaymentUpdate) (*Order, bool, error)
}

type CheckoutLinker interface {
	CreateCheckoutLink(ctx context.Context, req provider.CheckoutLinkRequest) (*provider.CheckoutLink, error)
}

type Pricer interface {
	Quote(sel []menu.Selection, delivery bool) (menu.Quote, error)
}

// Notifier hears about applied status changes. Stores with their own outbox leave it nil.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, o *Order)
}

type Options struct {
	// RedirectURL is where the provider sends the customer back; the domain order id is appended as ?id=.
	RedirectURL string
	StoreName   string
}

type Service struct {
	repo     Repository
	linker   CheckoutLinker
	pricer   Pricer
	notifier Notifier
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo Repository, linker CheckoutLinker, pricer Pricer, notifier Notifier, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		linker:   linker,
		pricer:   pricer,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CartItem struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type IntakeRequest struct {
	Customer       Customer
	Mode           Mode
	Address        string
	RequestedTime  string
	Items          []CartItem
	ClientTotal    *int64
	IdempotencyKey string
}

type IntakeResult struct {
	OrderID         string `json:"order_id"`
	ProviderOrderID string `json:"provider_order_id"`
	CheckoutURL     string `json:"checkout_url"`
	Total           int64  `json:"total"`
	Currency        string `json:"currency"`
}

func (r IntakeRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.Customer.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(r.Customer.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(r.Customer.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	switch r.Mode {
	case ModePickup:
	case ModeDelivery:
		if strings.TrimSpace(r.Address) == "" {
			return fmt.Errorf("%w: delivery requires an address", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown order mode %q", ErrValidation, r.Mode)
	}
	return nil
}

// Intake persists a pending order and opens a hosted checkout for its server-computed total.
func (s *Service) Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	sel := make([]menu.Selection, 0, len(req.Items))
	for _, it := range req.Items {
		sel = append(sel, menu.Selection{ItemID: it.ItemID, Quantity: it.Quantity})
	}
	quote, err := s.pricer.Quote(sel, req.Mode == ModeDelivery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	total := quote.TotalMinor()
	if req.ClientTotal != nil && *req.ClientTotal != total {
		s.logger.Warn("client total ignored", "client_total", *req.ClientTotal, "total", total)
	}

	lines := make([]LineItem, 0, len(quote.Lines))
	for _, l := range quote.Lines {
		lines = append(lines, LineItem{
			ItemID:    l.Item.ID,
			Name:      l.Item.Name,
			Quantity:  l.Quantity,
			UnitPrice: menu.Minor(l.Item.Price),
		})
	}
	cart, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("marshal cart: %w", err)
	}

	now := s.now()
	o := &Order{
		ID:            uuid.NewString(),
		Customer:      req.Customer,
		Mode:          req.Mode,
		Address:       req.Address,
		RequestedTime: req.RequestedTime,
		Cart:          cart,
		Total:         total,
		Currency:      quote.Currency,
		PaymentStatus: PaymentPending,
		OrderStatus:   StatusPendingConfirmation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrderCreation, err)
	}

	idem := req.IdempotencyKey
	if idem == "" {
		idem = o.ID
	}
	link, err := s.linker.CreateCheckoutLink(ctx, provider.CheckoutLinkRequest{
		IdempotencyKey: idem,
		Name:           s.linkName(o),
		Amount:         total,
		Currency:       quote.Currency,
		ReferenceID:    o.ID,
		RedirectURL:    s.redirectURL(o.ID),
		BuyerEmail:     req.Customer.Email,
		BuyerPhone:     req.Customer.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymentLink, err)
	}

	if _, err := s.repo.AttachProviderOrder(ctx, o.ID, link.OrderID); err != nil {
		return nil, fmt.Errorf("%w: attach provider order: %v", ErrOrderCreation, err)
	}

	s.logger.Info("order created", "order_id", o.ID, "provider_order_id", link.OrderID, "total", total)

	return &IntakeResult{
		OrderID:         o.ID,
		ProviderOrderID: link.OrderID,
		CheckoutURL:     link.URL,
		Total:           total,
		Currency:        quote.Currency,
	}, nil
}

func (s *Service) linkName(o *Order) string {
	name := s.opts.StoreName
	if name == "" {
		name = "Order"
	}
	ref := o.ID
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return fmt.Sprintf("%s #%s", name, ref)
}

func (s *Service) redirectURL(orderID string) string {
	if s.opts.RedirectURL == "" {
		return ""
	}
	u, err := url.Parse(s.opts.RedirectURL)
	if err != nil {
		return s.opts.RedirectURL
	}
	q := u.Query()
	q.Set("id", orderID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*Order, error) {
	return s.repo.FindByProviderOrderID(ctx, providerOrderID)
}

// Ref locates an order by domain id, falling back to the provider order id.
type Ref struct {
	ID              string
	ProviderOrderID string
}

type ApplyResult struct {
	Order   *Order
	Applied bool
}

// ApplyPayment records a payment observation. Terminal orders are never changed,
// so repeated or racing calls converge on the first terminal status written.
func (s *Service) ApplyPayment(ctx context.Context, ref Ref, u PaymentUpdate) (*ApplyResult, error) {
	if !u.PaymentStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown payment status %q", ErrValidation, u.PaymentStatus)
	}

	id := ref.ID
	if id == "" {
		if ref.ProviderOrderID == "" {
			return nil, fmt.Errorf("%w: order id or provider order id required", ErrValidation)
		}
		o, err := s.repo.FindByProviderOrderID(ctx, ref.ProviderOrderID)
		if err != nil {
			return nil, err
		}
		id = o.ID
	}
	if u.ProviderOrderID == "" {
		u.ProviderOrderID = ref.ProviderOrderID
	}

	o, applied, err := s.repo.ApplyPayment(ctx, id, u)
	if err != nil {
		return nil, err
	}

	if applied {
		s.logger.Info("order payment status updated",
			"order_id", o.ID, "payment_status", o.PaymentStatus, "payment_id", o.PaymentTransactionID)
		if s.notifier != nil {
			s.notifier.OrderStatusChanged(ctx, o)
		}
	} else {
		s.logger.Debug("order payment update skipped",
			"order_id", o.ID, "current", o.PaymentStatus, "requested", u.PaymentStatus)
	}

	return &ApplyResult{Order: o, Applied: applied}, nil
}
