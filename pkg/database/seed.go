package database

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost used when hashing seeded passwords. Tests lower it.
var BcryptCost = bcrypt.DefaultCost

// DemoPassword is the password of every seeded account
const DemoPassword = "campus"

// SeedDemoData populates an empty database with a few accounts, books,
// courses and products. It is a no-op when any user exists.
func (db *DB) SeedDemoData(ctx context.Context) error {
	n, err := db.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(DemoPassword), BcryptCost)
	if err != nil {
		return fmt.Errorf("hash demo password: %w", err)
	}

	users := []struct {
		id   int64
		name string
		role string
	}{
		{1001, "Alice Chen", "student"},
		{1002, "Bob Okafor", "student"},
		{2001, "Carol Registrar", "staff"},
		{9001, "Admin", "admin"},
	}
	for _, u := range users {
		if err := db.CreateUser(ctx, u.id, u.name, u.role, string(hash)); err != nil {
			return fmt.Errorf("failed to seed user %d: %w", u.id, err)
		}
	}

	books := []struct {
		title, author string
		copies        int
	}{
		{"The Go Programming Language", "Donovan & Kernighan", 3},
		{"Designing Data-Intensive Applications", "Kleppmann", 2},
		{"Structure and Interpretation of Computer Programs", "Abelson & Sussman", 1},
		{"Computer Networks", "Tanenbaum", 2},
	}
	for _, b := range books {
		if _, err := db.CreateBook(ctx, b.title, b.author, b.copies); err != nil {
			return fmt.Errorf("failed to seed book %q: %w", b.title, err)
		}
	}

	courses := []struct {
		code, title string
		capacity    int
	}{
		{"CS101", "Introduction to Programming", 40},
		{"CS240", "Operating Systems", 25},
		{"NET300", "Network Protocols", 2},
	}
	for _, c := range courses {
		if _, err := db.CreateCourse(ctx, c.code, c.title, c.capacity); err != nil {
			return fmt.Errorf("failed to seed course %s: %w", c.code, err)
		}
	}

	products := []struct {
		name  string
		price int64
		stock int
	}{
		{"Campus Hoodie", 3500, 20},
		{"Lab Notebook", 450, 100},
		{"USB-C Cable", 900, 3},
	}
	for _, p := range products {
		if _, err := db.CreateProduct(ctx, p.name, p.price, p.stock); err != nil {
			return fmt.Errorf("failed to seed product %q: %w", p.name, err)
		}
	}

	return nil
}
