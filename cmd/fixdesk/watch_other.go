//go:build !unix

package main

import (
	"context"
	"errors"
)

func cmdWatch(context.Context, *app, []string) error {
	return errors.New("watch needs unix signals")
}
