// Package policy decides whether a principal may perform an action on a
// bucket. Request handlers consult an Evaluator before touching the
// metadata engine, which itself performs no access control.
package policy

import (
	"context"

	"github.com/eteran/strata/internal/auth"
	"github.com/eteran/strata/internal/meta"
	"github.com/google/uuid"
)

type Action string

const (
	ActionBucketList   Action = "bucket:list"
	ActionBucketCreate Action = "bucket:create"
	ActionBucketDelete Action = "bucket:delete"
	ActionBucketHead   Action = "bucket:head"
	ActionObjectList   Action = "object:list"
	ActionObjectGet    Action = "object:get"
	ActionObjectHead   Action = "object:head"
	ActionObjectPut    Action = "object:put"
	ActionObjectDelete Action = "object:delete"
	ActionObjectCopy   Action = "object:copy"
	ActionObjectRename Action = "object:rename"
	ActionMultipart    Action = "object:multipart"
)

// ReadOnly reports whether the action leaves the store unchanged.
func (a Action) ReadOnly() bool {
	switch a {
	case ActionBucketList, ActionBucketHead, ActionObjectList, ActionObjectGet, ActionObjectHead:
		return true
	}
	return false
}

type Request struct {
	// Principal is nil for anonymous requests.
	Principal *auth.User
	Action    Action

	// Bucket is the target bucket, or nil for service level actions and
	// for buckets that do not exist yet.
	Bucket *meta.Bucket
}

type Evaluator interface {
	Allowed(ctx context.Context, req Request) bool
}

// AllowAll permits every request.
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, Request) bool {
	return true
}

// Visibility lets anonymous principals read public buckets and nothing
// else. Authenticated principals may do anything, unless OwnerWrites is set,
// in which case mutations of an owned bucket are limited to its owner.
type Visibility struct {
	OwnerWrites bool
}

func (v Visibility) Allowed(ctx context.Context, req Request) bool {
	if req.Principal == nil {
		return req.Action.ReadOnly() && req.Bucket != nil && req.Bucket.Public
	}

	if !v.OwnerWrites || req.Action.ReadOnly() || req.Bucket == nil {
		return true
	}

	return req.Bucket.Owner == uuid.Nil || req.Bucket.Owner == req.Principal.Owner
}
