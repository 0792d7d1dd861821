// Package frame converts renderer screenshots into the raw pixel layout
// expected on the encoder's input pipe.
package frame
