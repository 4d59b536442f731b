package service

import (
	"context"

	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/fjod/go_bookmart/internal/repository"
)

type OrderService struct {
	orders     repository.OrderReader
	currencies repository.CurrencyResolver
}

func NewOrderService(orders repository.OrderReader, currencies repository.CurrencyResolver) *OrderService {
	return &OrderService{orders: orders, currencies: currencies}
}

// GetOrder returns the order only if it belongs to userID. Orders of other
// users are reported as not found. A non-empty currency adds the order's
// amounts converted into that currency.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID int64, currency string) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	if err := s.display(ctx, []*domain.Order{order}, currency); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID int64, currency string) ([]*domain.Order, error) {
	orders, err := s.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.display(ctx, orders, currency); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *OrderService) display(ctx context.Context, orders []*domain.Order, code string) error {
	if code == "" {
		return nil
	}
	target, err := s.currencies.GetCurrency(ctx, code)
	if err != nil {
		return err
	}

	rates := map[string]*domain.Currency{target.Code: target}
	for _, order := range orders {
		from, ok := rates[order.CurrencyCode]
		if !ok {
			from, err = s.currencies.GetCurrency(ctx, order.CurrencyCode)
			if err != nil {
				return err
			}
			rates[from.Code] = from
		}
		order.Display = order.DisplayIn(*from, *target)
	}
	return nil
}
