// Package panel serves the control panel web UI from a directory on disk.
//
// The panel is a static single-page build that talks to the server over
// the REST API and the realtime WebSocket. Handler serves its files with
// SPA fallback routing: if a requested file does not exist, index.html is
// served so that client-side routing works correctly.
//
// Cache-control headers are set to no-cache so a replaced build is picked
// up without a hard refresh.
package panel
