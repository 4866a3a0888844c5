package customs

import "context"

// Disabled is the strategy used when customs is switched off.
type Disabled struct{}

var _ Gate = Disabled{}

func (Disabled) Check(context.Context, Request, string, Action) error { return nil }

func (Disabled) CheckAuthenticated(context.Context, Request, string, Action) error { return nil }

func (Disabled) CheckIPOnly(context.Context, Request, Action) error { return nil }

func (Disabled) Flag(context.Context, string, FlagInfo) {}

func (Disabled) Reset(context.Context, string) error { return nil }

func (Disabled) Close() error { return nil }
