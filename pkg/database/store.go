package database

import (
	"context"
	"database/sql"
	"errors"
)

// Product is a store item
type Product struct {
	ID         int64
	Name       string
	PriceCents int64
	Stock      int
}

// Order is a completed purchase
type Order struct {
	ID         int64
	UserID     int64
	ProductID  int64
	Quantity   int
	TotalCents int64
	CreatedAt  int64
}

// CreateProduct adds a store item
func (db *DB) CreateProduct(ctx context.Context, name string, priceCents int64, stock int) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Product (name, price_cents, stock) VALUES (?, ?, ?)
	`, name, priceCents, stock)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetProduct retrieves a store item
func (db *DB) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	var p Product
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, price_cents, stock FROM Product WHERE id = ?
	`, productID).Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PlaceOrder decrements stock and records the order atomically
func (db *DB) PlaceOrder(ctx context.Context, userID, productID int64, quantity int) (*Order, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	order := &Order{UserID: userID, ProductID: productID, Quantity: quantity, CreatedAt: nowMillis()}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var price int64
		var stock int
		err := tx.QueryRowContext(ctx, `SELECT price_cents, stock FROM Product WHERE id = ?`, productID).Scan(&price, &stock)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if stock < quantity {
			return ErrOutOfStock
		}

		if _, err := tx.ExecContext(ctx, `UPDATE Product SET stock = stock - ? WHERE id = ?`, quantity, productID); err != nil {
			return err
		}

		order.TotalCents = price * int64(quantity)
		result, err := tx.ExecContext(ctx, `
			INSERT INTO Orders (user_id, product_id, quantity, total_cents, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, userID, productID, quantity, order.TotalCents, order.CreatedAt)
		if err != nil {
			return err
		}
		order.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrders returns userID's orders, newest first
func (db *DB) ListOrders(ctx context.Context, userID int64) ([]*Order, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, product_id, quantity, total_cents, created_at
		FROM Orders
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.ProductID, &o.Quantity, &o.TotalCents, &o.CreatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}
