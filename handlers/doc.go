// Package handlers mounts the dashboard authentication endpoints on a chi
// router: journey start, provider callback, logout, session lookup, health
// and metrics.
//
// Handlers translate engine errors into status codes and a generic JSON
// message. Causes are logged, never returned to the browser.
package handlers
