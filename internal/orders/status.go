package orders

type Status string

const (
	StatusPending           Status = "pending"
	StatusAwaitingTreatment Status = "awaiting_treatment"
	StatusPaid              Status = "paid"
	StatusShipped           Status = "shipped"
	StatusDelivered         Status = "delivered"
	StatusCancelled         Status = "cancelled"
)

// StatusInitial is assigned to every new order.
const StatusInitial = StatusPending

// AllStatuses lists the enumeration in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusAwaitingTreatment,
	StatusPaid,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

// lifecycle edges; cancelled is reachable from every non-terminal state.
var validNext = map[Status]map[Status]bool{
	StatusPending:           {StatusAwaitingTreatment: true, StatusPaid: true, StatusCancelled: true},
	StatusAwaitingTreatment: {StatusPaid: true, StatusCancelled: true},
	StatusPaid:              {StatusShipped: true, StatusCancelled: true},
	StatusShipped:           {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:         {},
	StatusCancelled:         {},
}

func (s Status) String() string { return string(s) }

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// ParseStatus accepts only the six enumerated values, exact match.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", Validationf("invalid order status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether to follows from on the regular lifecycle path.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CanAdminSet is deliberately permissive: administrators may move an order
// to any enumerated status from any status, including terminal ones.
func CanAdminSet(from, to Status) bool {
	return to.Valid()
}

// CanRequestTreatment is the only transition a customer may trigger.
func CanRequestTreatment(from Status) bool {
	return from == StatusPending
}

// Normalize maps a stored status (possibly NULL, empty or a legacy value)
// onto the enumeration. changed is true when the stored value must be rewritten.
func Normalize(raw *string) (s Status, changed bool) {
	if raw == nil {
		return StatusPending, true
	}
	s = Status(*raw)
	if !s.Valid() {
		return StatusPending, true
	}
	return s, false
}
