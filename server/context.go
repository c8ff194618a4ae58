package server

import "context"

type contextKey int

const (
	ctxKeySubject contextKey = iota
	ctxKeyRole
	ctxKeyRequestID
)

func contextWithSession(ctx context.Context, subject, role string) context.Context {
	ctx = context.WithValue(ctx, ctxKeySubject, subject)
	return context.WithValue(ctx, ctxKeyRole, role)
}

func subjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(ctxKeySubject).(string)
	return subject
}

func roleFrom(ctx context.Context) string {
	role, _ := ctx.Value(ctxKeyRole).(string)
	return role
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
