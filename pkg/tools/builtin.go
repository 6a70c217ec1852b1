package tools

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"time"
)

const (
	DateToolName       = "getDateTool"
	TrackOrderToolName = "trackOrderTool"
)

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

// DateTool reports the current date and time in loc. It takes no arguments.
func DateTool(loc *time.Location, now Clock) Tool {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return Tool{
		Name:        DateToolName,
		Description: "Get information about the current date and time.",
		Handler: func(_ context.Context, _ json.RawMessage) (any, error) {
			t := now().In(loc)
			return map[string]any{
				"date":          t.Format("2006-01-02"),
				"year":          t.Year(),
				"month":         int(t.Month()),
				"day":           t.Day(),
				"dayOfWeek":     strings.ToUpper(t.Weekday().String()),
				"formattedTime": t.Format("15:04"),
				"timezone":      loc.String(),
			}, nil
		},
	}
}

// TrackOrderArgs are the arguments of the order tracking tool.
type TrackOrderArgs struct {
	OrderID              string `json:"orderId" jsonschema:"the order number to look up"`
	RequestNotifications bool   `json:"requestNotifications,omitempty" jsonschema:"whether to subscribe to delivery updates"`
}

var orderStatuses = []string{"Processing", "Shipped", "Out for delivery", "Delivered"}

// RegisterTrackOrder adds a demo tool returning a deterministic status for an
// order id.
func RegisterTrackOrder(r *Registry, now Clock) error {
	if now == nil {
		now = time.Now
	}
	return RegisterFunc(r, TrackOrderToolName,
		"Retrieve the real-time status and estimated delivery of a customer's order.",
		func(_ context.Context, args TrackOrderArgs) (any, error) {
			id := strings.TrimSpace(args.OrderID)
			if id == "" {
				return nil, errors.New("orderId is required")
			}
			h := fnv.New32a()
			h.Write([]byte(id))
			sum := h.Sum32()

			status := orderStatuses[int(sum%uint32(len(orderStatuses)))]
			out := map[string]any{
				"orderNumber": id,
				"orderStatus": status,
			}
			if status != "Delivered" {
				days := int(sum%5) + 1
				out["estimatedDelivery"] = now().AddDate(0, 0, days).Format("2006-01-02")
			}
			if args.RequestNotifications {
				out["notificationStatus"] = "subscribed"
			}
			return out, nil
		})
}

// RegisterBuiltins adds the date and order tracking tools.
func RegisterBuiltins(r *Registry, loc *time.Location, now Clock) error {
	if err := r.Register(DateTool(loc, now)); err != nil {
		return err
	}
	return RegisterTrackOrder(r, now)
}
