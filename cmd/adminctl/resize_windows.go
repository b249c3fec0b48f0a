//go:build windows

package main

import "context"

// watchResize never fires on Windows; the size is sent once per channel.
func watchResize(context.Context) <-chan struct{} { return nil }
