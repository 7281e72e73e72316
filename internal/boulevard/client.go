package boulevard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

const (
	defaultTimeout = 20 * time.Second

	mutationCreateCart = `mutation CreateCart($businessId: ID!) {
  createCart(input: { businessId: $businessId }) {
    cart { id }
  }
}`

	mutationAddServiceToCart = `mutation CartAddService($cartId: ID!, $serviceId: ID!) {
  cartAddService(input: { cartId: $cartId, serviceId: $serviceId }) {
    cart { id }
  }
}`

	queryCartAvailableSlots = `query CartAvailableTimeSlots($cartId: ID!, $date: Date!) {
  cartAvailableTimeSlots(cartId: $cartId, date: $date) {
    startAt
    endAt
  }
}`

	mutationReserveSlot = `mutation CartReserveTimeSlot($cartId: ID!, $startAt: DateTime!) {
  cartReserveTimeSlot(input: { cartId: $cartId, startAt: $startAt }) {
    cart { id }
  }
}`

	mutationSetClient = `mutation CartSetClient($cartId: ID!, $firstName: String!, $lastName: String!, $email: String, $phone: String) {
  cartSetClient(input: {
    cartId: $cartId,
    firstName: $firstName,
    lastName: $lastName,
    email: $email,
    phone: $phone
  }) {
    cart { id }
  }
}`

	mutationCheckout = `mutation CartCheckout($cartId: ID!, $notes: String) {
  cartCheckout(input: { cartId: $cartId, notes: $notes }) {
    booking {
      id
      status
    }
  }
}`

	mutationCancelAppointment = `mutation CancelAppointment($id: ID!, $reason: String) {
  cancelAppointment(input: { id: $id, reason: $reason }) {
    appointment { id }
  }
}`
)

// BoulevardClient is a lightweight GraphQL client for Boulevard cart flows.
// The business is passed per call so one client serves every tenant.
type BoulevardClient struct {
	endpoint   string
	httpClient *http.Client
	apiKey     string
	logger     *logging.Logger
}

// NewBoulevardClient creates a new Boulevard GraphQL client.
func NewBoulevardClient(apiKey string, logger *logging.Logger) *BoulevardClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &BoulevardClient{
		endpoint: defaultGraphQLEndpoint,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		apiKey: apiKey,
		logger: logger,
	}
}

// GetAvailableSlots performs cart-based availability lookup for one date.
func (c *BoulevardClient) GetAvailableSlots(ctx context.Context, businessID, serviceID string, date time.Time) ([]TimeSlot, error) {
	cartID, err := c.createCart(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if err := c.addService(ctx, businessID, cartID, serviceID); err != nil {
		return nil, err
	}

	var out graphQLResponse[availableSlotsData]
	if err := c.do(ctx, businessID, "CartAvailableTimeSlots", queryCartAvailableSlots, map[string]interface{}{
		"cartId": cartID,
		"date":   date.Format("2006-01-02"),
	}, &out); err != nil {
		return nil, err
	}

	slots := make([]TimeSlot, 0, len(out.Data.CartAvailableTimeSlots))
	for _, s := range out.Data.CartAvailableTimeSlots {
		start, err := time.Parse(time.RFC3339, s.StartAt)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, s.EndAt)
		if err != nil {
			continue
		}
		slots = append(slots, TimeSlot{StartAt: start, EndAt: end})
	}
	return slots, nil
}

// HoldSlot runs the cart flow up to (not including) checkout: the slot is
// reserved on the returned cart until Checkout or expiry.
func (c *BoulevardClient) HoldSlot(ctx context.Context, businessID string, req HoldRequest) (string, error) {
	cartID, err := c.createCart(ctx, businessID)
	if err != nil {
		return "", err
	}
	if err := c.addService(ctx, businessID, cartID, req.ServiceID); err != nil {
		return "", err
	}
	if err := c.reserveSlot(ctx, businessID, cartID, req.StartAt); err != nil {
		return "", err
	}
	if err := c.setClient(ctx, businessID, cartID, req.Client); err != nil {
		return "", err
	}
	return cartID, nil
}

// Checkout finalizes a held cart into a Boulevard appointment.
func (c *BoulevardClient) Checkout(ctx context.Context, businessID, cartID, notes string) (*BookingResult, error) {
	var out graphQLResponse[checkoutData]
	if err := c.do(ctx, businessID, "CartCheckout", mutationCheckout, map[string]interface{}{
		"cartId": cartID,
		"notes":  notes,
	}, &out); err != nil {
		return nil, err
	}
	if out.Data.CartCheckout.Booking.ID == "" {
		return nil, fmt.Errorf("boulevard: checkout returned empty booking id")
	}
	return &BookingResult{
		BookingID: out.Data.CartCheckout.Booking.ID,
		CartID:    cartID,
		Status:    out.Data.CartCheckout.Booking.Status,
	}, nil
}

// CancelAppointment cancels a checked-out appointment.
func (c *BoulevardClient) CancelAppointment(ctx context.Context, businessID, appointmentID, reason string) error {
	var out graphQLResponse[cancelData]
	return c.do(ctx, businessID, "CancelAppointment", mutationCancelAppointment, map[string]interface{}{
		"id":     appointmentID,
		"reason": reason,
	}, &out)
}

func (c *BoulevardClient) createCart(ctx context.Context, businessID string) (string, error) {
	var out graphQLResponse[createCartData]
	if err := c.do(ctx, businessID, "CreateCart", mutationCreateCart, map[string]interface{}{"businessId": businessID}, &out); err != nil {
		return "", err
	}
	if out.Data.CreateCart.Cart.ID == "" {
		return "", fmt.Errorf("boulevard: create cart returned empty cart id")
	}
	return out.Data.CreateCart.Cart.ID, nil
}

func (c *BoulevardClient) addService(ctx context.Context, businessID, cartID, serviceID string) error {
	var out graphQLResponse[cartData]
	return c.do(ctx, businessID, "CartAddService", mutationAddServiceToCart, map[string]interface{}{
		"cartId":    cartID,
		"serviceId": serviceID,
	}, &out)
}

func (c *BoulevardClient) reserveSlot(ctx context.Context, businessID, cartID string, startAt time.Time) error {
	var out graphQLResponse[cartData]
	return c.do(ctx, businessID, "CartReserveTimeSlot", mutationReserveSlot, map[string]interface{}{
		"cartId":  cartID,
		"startAt": startAt.UTC().Format(time.RFC3339),
	}, &out)
}

func (c *BoulevardClient) setClient(ctx context.Context, businessID, cartID string, cl Client) error {
	var out graphQLResponse[cartData]
	return c.do(ctx, businessID, "CartSetClient", mutationSetClient, map[string]interface{}{
		"cartId":    cartID,
		"firstName": cl.FirstName,
		"lastName":  cl.LastName,
		"email":     cl.Email,
		"phone":     cl.Phone,
	}, &out)
}

func (c *BoulevardClient) do(ctx context.Context, businessID, operationName, query string, variables interface{}, out graphQLEnvelope) error {
	if strings.TrimSpace(c.apiKey) == "" {
		return fmt.Errorf("boulevard: missing api key")
	}
	if strings.TrimSpace(businessID) == "" {
		return fmt.Errorf("boulevard: missing business id")
	}

	body, err := json.Marshal(graphQLRequest{OperationName: operationName, Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("boulevard: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("boulevard: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Business-Id", businessID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("boulevard: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("boulevard: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return fmt.Errorf("boulevard: status %d: %s", resp.StatusCode, msg)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("boulevard: unmarshal response: %w", err)
	}
	if errs := out.graphQLErrors(); len(errs) > 0 {
		c.logger.Warn("boulevard graphql error", "operation", operationName, "business_id", businessID, "error", errs[0].Message)
		return fmt.Errorf("boulevard: graphql error: %s", errs[0].Message)
	}
	return nil
}
