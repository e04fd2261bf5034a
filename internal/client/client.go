// Package client is a Go client for the ledger HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/api"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
)

// Client calls the ledger API with a bearer token. Methods taking a realmID
// target the caller's primary realm when it is empty.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// Error is an error response from the API. It unwraps to the model sentinel
// of its kind, so errors.Is(err, model.ErrInsufficientFunds) works.
type Error struct {
	Status   int
	Response api.ErrorResponse
}

func (e *Error) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Response.Error)
}

func (e *Error) Unwrap() error { return model.SentinelOf(e.Response.Kind) }

// OpenAccount registers the caller's primary portfolio.
func (c *Client) OpenAccount(ctx context.Context) (model.Snapshot, error) {
	var out model.Snapshot
	return out, c.do(ctx, http.MethodPost, "/accounts", nil, &out)
}

// Portfolio returns the caller's snapshot in realmID.
func (c *Client) Portfolio(ctx context.Context, realmID string) (model.Snapshot, error) {
	var out model.Snapshot
	return out, c.do(ctx, http.MethodGet, realmPath(realmID, "/portfolio"), nil, &out)
}

// Buy buys qty of symbol in realmID. A zero price trades at the quote.
func (c *Client) Buy(ctx context.Context, realmID, symbol string, qty int64, price decimal.Decimal) (api.TradeResponse, error) {
	return c.trade(ctx, realmPath(realmID, "/buy"), symbol, qty, price)
}

// Sell sells qty of symbol in realmID. A zero price trades at the quote.
func (c *Client) Sell(ctx context.Context, realmID, symbol string, qty int64, price decimal.Decimal) (api.TradeResponse, error) {
	return c.trade(ctx, realmPath(realmID, "/sell"), symbol, qty, price)
}

func (c *Client) trade(ctx context.Context, path, symbol string, qty int64, price decimal.Decimal) (api.TradeResponse, error) {
	req := api.TradeRequest{Symbol: symbol, Quantity: qty}
	if !price.IsZero() {
		req.Price = decimal.NewNullDecimal(price)
	}
	var out api.TradeResponse
	return out, c.do(ctx, http.MethodPost, path, req, &out)
}

// Refresh reprices every holding in realmID.
func (c *Client) Refresh(ctx context.Context, realmID string) (api.RefreshResponse, error) {
	var out api.RefreshResponse
	return out, c.do(ctx, http.MethodPost, realmPath(realmID, "/refresh-prices"), nil, &out)
}

// RecordHistory samples the caller's net worth in realmID.
func (c *Client) RecordHistory(ctx context.Context, realmID string) (model.HistorySample, error) {
	var out model.HistorySample
	return out, c.do(ctx, http.MethodPost, realmPath(realmID, "/record-history"), nil, &out)
}

// History returns up to limit samples, oldest first.
func (c *Client) History(ctx context.Context, realmID string, limit int) ([]model.HistorySample, error) {
	path := realmPath(realmID, "/history")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []model.HistorySample
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Leaderboard ranks the participants of a room.
func (c *Client) Leaderboard(ctx context.Context, realmID, sortBy string) ([]model.LeaderboardEntry, error) {
	if realmID == "" {
		return nil, errors.New("leaderboard needs a room")
	}
	path := realmPath(realmID, "/leaderboard")
	if sortBy != "" {
		path += "?sort=" + url.QueryEscape(sortBy)
	}
	var out []model.LeaderboardEntry
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Rooms lists every room.
func (c *Client) Rooms(ctx context.Context) ([]model.RoomSummary, error) {
	var out []model.RoomSummary
	return out, c.do(ctx, http.MethodGet, "/rooms", nil, &out)
}

// CreateRoom creates a room and joins the caller to it.
func (c *Client) CreateRoom(ctx context.Context, name string, base decimal.Decimal) (api.RoomResponse, error) {
	var out api.RoomResponse
	return out, c.do(ctx, http.MethodPost, "/rooms", api.CreateRoomRequest{Name: name, BaseAmount: base}, &out)
}

// JoinRoom joins the caller to a room.
func (c *Client) JoinRoom(ctx context.Context, realmID string) (model.Snapshot, error) {
	var out model.Snapshot
	return out, c.do(ctx, http.MethodPost, realmPath(realmID, "/join"), nil, &out)
}

// LeaveRoom removes the caller from a room.
func (c *Client) LeaveRoom(ctx context.Context, realmID string) error {
	return c.do(ctx, http.MethodPost, realmPath(realmID, "/leave"), nil, nil)
}

// DeleteRoom deletes a room the caller owns.
func (c *Client) DeleteRoom(ctx context.Context, realmID string) error {
	return c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(realmID), nil, nil)
}

// Quote asks the server's price source for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (oracle.Quote, error) {
	var out oracle.Quote
	return out, c.do(ctx, http.MethodGet, "/quote?symbol="+url.QueryEscape(symbol), nil, &out)
}

func realmPath(realmID, suffix string) string {
	if realmID == "" {
		return suffix
	}
	return "/rooms/" + url.PathEscape(realmID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return errors.New("ledger base url is empty")
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+"/api/v1"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		if json.Unmarshal(b, &apiErr.Response) != nil || apiErr.Response.Error == "" {
			apiErr.Response.Error = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}
