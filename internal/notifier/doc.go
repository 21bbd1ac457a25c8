// Package notifier delivers operator messages: plan summaries and fetch job
// failure alerts.
//
// Notifications go through an async pipeline of queue, worker pool, rate
// limit, retry and a short dedup window. Delivery is delegated to a
// transport.Sender (the Telegram adapter), so nothing here depends on a
// specific messaging platform.
//
// The service keeps a small in-memory history of sent messages for the
// inspection API.
package notifier
