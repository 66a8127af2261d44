// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package inthttp exposes the append pipeline and event store as an
// internal RPC surface, the way dendrite's component internal APIs are
// reachable either in-process or over HTTP depending on deployment
// mode. Only the append/query operations this core owns are exposed
// here; there is no roomserver/keyserver/eduserver split to proxy to.
package inthttp

import (
	"context"

	"github.com/gorilla/mux"

	"github.com/mxhs/homeserver/internal/httputil"
	"github.com/mxhs/homeserver/pdu"
	"github.com/mxhs/homeserver/rooms"
	"github.com/mxhs/homeserver/storage/eventstore"
)

const (
	PathBuildAndAppendPDU = "/homeserver/buildAndAppendPDU"
	PathSetPusher         = "/homeserver/setPusher"
	PathGetPushers        = "/homeserver/getPushers"
	PathRoomStateGet      = "/homeserver/roomStateGet"
	PathRoomMembers       = "/homeserver/roomMembers"
	PathIsJoined          = "/homeserver/isJoined"
	PathIDFromAlias       = "/homeserver/idFromAlias"
)

type BuildAndAppendPDURequest struct {
	Builder pdu.Builder
	Sender  string
	RoomID  string
}

type BuildAndAppendPDUResponse struct {
	EventID string
}

type SetPusherRequest struct {
	Pusher eventstore.Pusher
}

type SetPusherResponse struct{}

type GetPushersRequest struct {
	UserID string
}

type GetPushersResponse struct {
	Pushers []eventstore.Pusher
}

type RoomStateGetRequest struct {
	RoomID    string
	EventType string
	StateKey  string
}

type RoomStateGetResponse struct {
	PDU *pdu.PDU
}

type RoomMembersRequest struct {
	RoomID string
}

type RoomMembersResponse struct {
	UserIDs []string
}

type IsJoinedRequest struct {
	UserID string
	RoomID string
}

type IsJoinedResponse struct {
	Joined bool
}

type IDFromAliasRequest struct {
	Alias string
}

type IDFromAliasResponse struct {
	RoomID string
	Found  bool
}

// AddRoutes registers this core's append/query operations on r as
// internal RPC endpoints, mirroring dendrite's httputil.MakeInternalRPCAPI
// wiring in federationapi/inthttp but against our own Pipeline/Store.
func AddRoutes(pipeline *rooms.Pipeline, store *eventstore.Store, r *mux.Router) {
	r.Handle(PathBuildAndAppendPDU, httputil.MakeInternalRPCAPI(
		"BuildAndAppendPDU",
		func(ctx context.Context, req *BuildAndAppendPDURequest, res *BuildAndAppendPDUResponse) error {
			eventID, err := pipeline.BuildAndAppendPDU(ctx, req.Builder, req.Sender, req.RoomID)
			if err != nil {
				return err
			}
			res.EventID = eventID
			return nil
		},
	))

	r.Handle(PathSetPusher, httputil.MakeInternalRPCAPI(
		"SetPusher",
		func(ctx context.Context, req *SetPusherRequest, res *SetPusherResponse) error {
			return store.SetPusher(ctx, req.Pusher)
		},
	))

	r.Handle(PathGetPushers, httputil.MakeInternalRPCAPI(
		"GetPushers",
		func(ctx context.Context, req *GetPushersRequest, res *GetPushersResponse) error {
			pushers, err := store.GetPushers(ctx, req.UserID)
			if err != nil {
				return err
			}
			res.Pushers = pushers
			return nil
		},
	))

	r.Handle(PathRoomStateGet, httputil.MakeInternalRPCAPI(
		"RoomStateGet",
		func(ctx context.Context, req *RoomStateGetRequest, res *RoomStateGetResponse) error {
			_, p, err := store.RoomStateGet(ctx, req.RoomID, req.EventType, req.StateKey)
			if err != nil {
				return err
			}
			res.PDU = p
			return nil
		},
	))

	r.Handle(PathRoomMembers, httputil.MakeInternalRPCAPI(
		"RoomMembers",
		func(ctx context.Context, req *RoomMembersRequest, res *RoomMembersResponse) error {
			members, err := store.RoomMembers(ctx, req.RoomID)
			if err != nil {
				return err
			}
			res.UserIDs = members
			return nil
		},
	))

	r.Handle(PathIsJoined, httputil.MakeInternalRPCAPI(
		"IsJoined",
		func(ctx context.Context, req *IsJoinedRequest, res *IsJoinedResponse) error {
			joined, err := store.IsJoined(ctx, req.UserID, req.RoomID)
			if err != nil {
				return err
			}
			res.Joined = joined
			return nil
		},
	))

	r.Handle(PathIDFromAlias, httputil.MakeInternalRPCAPI(
		"IDFromAlias",
		func(ctx context.Context, req *IDFromAliasRequest, res *IDFromAliasResponse) error {
			roomID, found, err := store.IDFromAlias(ctx, req.Alias)
			if err != nil {
				return err
			}
			res.RoomID = roomID
			res.Found = found
			return nil
		},
	))
}
