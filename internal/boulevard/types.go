package boulevard

import "time"

const (
	defaultGraphQLEndpoint = "https://dashboard.joinblvd.com/api/2020-01/graphql"
)

// TimeSlot represents a concrete time slot.
type TimeSlot struct {
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
}

// Client is the customer contact passed to the cart.
type Client struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// HoldRequest is input for reserving a slot on a new cart.
type HoldRequest struct {
	ServiceID string    `json:"serviceId"`
	StartAt   time.Time `json:"startAt"`
	Client    Client    `json:"client"`
}

// BookingResult is the outcome from checkout.
type BookingResult struct {
	BookingID string `json:"bookingId"`
	CartID    string `json:"cartId"`
	Status    string `json:"status,omitempty"`
}

type graphQLRequest struct {
	OperationName string      `json:"operationName,omitempty"`
	Query         string      `json:"query"`
	Variables     interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLEnvelope interface {
	graphQLErrors() []graphQLError
}

type graphQLResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []graphQLError `json:"errors"`
}

func (r *graphQLResponse[T]) graphQLErrors() []graphQLError {
	return r.Errors
}

// Narrow response payloads for each API operation.
type createCartData struct {
	CreateCart struct {
		Cart struct {
			ID string `json:"id"`
		} `json:"cart"`
	} `json:"createCart"`
}

// cartData covers mutations whose payload is only echoed back.
type cartData map[string]any

type availableSlotsData struct {
	CartAvailableTimeSlots []struct {
		StartAt string `json:"startAt"`
		EndAt   string `json:"endAt"`
	} `json:"cartAvailableTimeSlots"`
}

type checkoutData struct {
	CartCheckout struct {
		Booking struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"booking"`
	} `json:"cartCheckout"`
}

type cancelData struct {
	CancelAppointment struct {
		Appointment struct {
			ID string `json:"id"`
		} `json:"appointment"`
	} `json:"cancelAppointment"`
}
