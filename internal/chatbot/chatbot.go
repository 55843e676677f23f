// Package chatbot answers free-text questions about orders. It extracts
// identifiers from the question, loads matching orders and asks a language
// model, falling back to canned status messages.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/tracker"
)

var (
	orderIDPattern    = regexp.MustCompile(`([a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12})`)
	customerIDPattern = regexp.MustCompile(`customer\s*(?:id|number)?\s*:?\s*([a-zA-Z0-9]+)`)
)

const (
	// minAnswerLength is the shortest model answer accepted as useful.
	minAnswerLength = 10
	promptOrders    = 3
	lookupLimit     = 5
)

var statusMessages = map[orders.Status]string{
	orders.StatusPending:           "Your order is currently being processed. We'll update you once it moves to the next stage.",
	orders.StatusValidating:        "We're currently validating your order details.",
	orders.StatusInventoryCheck:    "We're checking inventory availability for your items.",
	orders.StatusPaymentProcessing: "Your payment is being processed.",
	orders.StatusFulfillment:       "Your order is being prepared for shipping.",
	orders.StatusCompleted:         "Great news! Your order has been completed and should be on its way to you.",
	orders.StatusFailed:            "There was an issue with your order. Please contact customer service for assistance.",
}

// ErrEmptyQuery is returned for a blank question.
var ErrEmptyQuery = errors.New("query is required")

// OrderInfo holds identifiers found in a question.
type OrderInfo struct {
	OrderID    string
	CustomerID string
}

// Empty reports whether nothing was found.
func (i OrderInfo) Empty() bool { return i.OrderID == "" && i.CustomerID == "" }

// ExtractOrderInfo finds an order UUID and a customer id in query. An explicit
// customerID takes precedence over one mentioned in the text.
func ExtractOrderInfo(query, customerID string) OrderInfo {
	lower := strings.ToLower(query)
	var info OrderInfo
	if m := orderIDPattern.FindStringSubmatch(lower); m != nil {
		info.OrderID = m[1]
	}
	if customerID != "" {
		info.CustomerID = customerID
	} else if m := customerIDPattern.FindStringSubmatch(lower); m != nil {
		info.CustomerID = m[1]
	}
	return info
}

// BuildPrompt renders the model prompt with up to three orders of context.
func BuildPrompt(query string, views []tracker.View) string {
	var b strings.Builder
	b.WriteString("You are a helpful customer service chatbot for an eCommerce company. ")
	b.WriteString("Answer customer questions about their orders in a friendly and helpful manner. ")
	b.WriteString("If you don't have specific order information, provide general guidance about order tracking and customer service.\n\n")

	if len(views) == 0 {
		b.WriteString("No specific order information was found for this query.\n\n")
	} else {
		b.WriteString("Here is the relevant order information:\n")
		for i, v := range views {
			if i == promptOrders {
				break
			}
			fmt.Fprintf(&b, "Order %d:\n", i+1)
			fmt.Fprintf(&b, "- Order ID: %s\n", v.OrderID)
			fmt.Fprintf(&b, "- Status: %s\n", v.Status)
			fmt.Fprintf(&b, "- Created: %s\n", v.CreatedAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(&b, "- Total: $%.2f\n", v.TotalAmount)
			fmt.Fprintf(&b, "- Items: %d items\n\n", len(v.Items))
		}
	}
	fmt.Fprintf(&b, "Customer Question: %s\n\nResponse:", query)
	return b.String()
}

// FallbackResponse answers from order data alone.
func FallbackResponse(views []tracker.View) string {
	switch len(views) {
	case 0:
		return "I'd be happy to help you with your order! To provide the most accurate information, " +
			"could you please provide your order ID or let me know what specific information you're looking for? " +
			"You can also contact our customer service team for personalized assistance."
	case 1:
		v := views[0]
		msg, ok := statusMessages[v.Status]
		if !ok {
			msg = "Your order status is: " + v.Status.String()
		}
		return fmt.Sprintf("I found your order %s. %s Is there anything else you'd like to know about your order?", v.OrderID, msg)
	default:
		return fmt.Sprintf("I found %d orders associated with your account. Your most recent order is %s. Would you like details about a specific order?",
			len(views), strings.ToLower(views[0].Status.String()))
	}
}

// Model generates a completion for a prompt.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, prompt string) (string, error)

func (f ModelFunc) Complete(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// Answer is the chatbot reply.
type Answer struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Service answers questions using the tracker for order context.
type Service struct {
	tracker *tracker.Tracker
	model   Model
	timeout time.Duration
	clock   clockz.Clock
	logger  *zap.Logger
}

// NewService creates a Service. A nil model always uses the fallback.
func NewService(t *tracker.Tracker, model Model, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{tracker: t, model: model, timeout: timeout, clock: clockz.RealClock, logger: logger}
}

// Answer responds to query. customerID is optional.
func (s *Service) Answer(ctx context.Context, query, customerID string) (Answer, error) {
	if strings.TrimSpace(query) == "" {
		return Answer{}, ErrEmptyQuery
	}
	info := ExtractOrderInfo(query, customerID)
	views := s.lookup(ctx, info)

	return Answer{Response: s.generate(ctx, query, views), Timestamp: s.clock.Now().UTC()}, nil
}

func (s *Service) lookup(ctx context.Context, info OrderInfo) []tracker.View {
	switch {
	case info.OrderID != "":
		v, err := s.tracker.QueryStatus(ctx, info.OrderID)
		if err != nil {
			if !errors.Is(err, orders.ErrNotFound) {
				s.logger.Error("order lookup failed", zap.String("order_id", info.OrderID), zap.Error(err))
			}
			return nil
		}
		return []tracker.View{v}
	case info.CustomerID != "":
		views, err := s.tracker.ListRecentOrders(ctx, info.CustomerID, lookupLimit)
		if err != nil {
			s.logger.Error("customer lookup failed", zap.String("customer_id", info.CustomerID), zap.Error(err))
			return nil
		}
		return views
	}
	return nil
}

func (s *Service) generate(ctx context.Context, query string, views []tracker.View) string {
	if s.model == nil {
		return FallbackResponse(views)
	}
	ctx, cancel := s.clock.WithTimeout(ctx, s.timeout)
	defer cancel()

	answer, err := s.model.Complete(ctx, BuildPrompt(query, views))
	if err != nil {
		s.logger.Warn("model unavailable, using fallback", zap.Error(err))
		return FallbackResponse(views)
	}
	answer = strings.TrimSpace(answer)
	if len(answer) < minAnswerLength {
		return FallbackResponse(views)
	}
	return answer
}
