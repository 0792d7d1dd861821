// Package renderer drives the headless browser that renders overlay pages.
// Launcher and Page describe what a session needs from a browser; the rod
// implementation runs Chromium over the DevTools protocol.
package renderer
