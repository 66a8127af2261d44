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

package inthttp

import (
	"context"
	"net/http"

	"github.com/mxhs/homeserver/internal/httputil"
)

// Client talks to a homeserver core running the routes AddRoutes
// registers, the way a dendrite monolith's components call each
// other's internal API when split across processes.
type Client struct {
	buildAndAppendPDU *httputil.InternalAPIClient[BuildAndAppendPDURequest, BuildAndAppendPDUResponse]
	setPusher         *httputil.InternalAPIClient[SetPusherRequest, SetPusherResponse]
	getPushers        *httputil.InternalAPIClient[GetPushersRequest, GetPushersResponse]
	roomStateGet      *httputil.InternalAPIClient[RoomStateGetRequest, RoomStateGetResponse]
	roomMembers       *httputil.InternalAPIClient[RoomMembersRequest, RoomMembersResponse]
	isJoined          *httputil.InternalAPIClient[IsJoinedRequest, IsJoinedResponse]
	idFromAlias       *httputil.InternalAPIClient[IDFromAliasRequest, IDFromAliasResponse]
}

// NewClient builds a Client addressing baseURL, the internal API's
// process-local listener address.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		buildAndAppendPDU: httputil.NewInternalAPIClient[BuildAndAppendPDURequest, BuildAndAppendPDUResponse]("BuildAndAppendPDU", baseURL+PathBuildAndAppendPDU, httpClient),
		setPusher:         httputil.NewInternalAPIClient[SetPusherRequest, SetPusherResponse]("SetPusher", baseURL+PathSetPusher, httpClient),
		getPushers:        httputil.NewInternalAPIClient[GetPushersRequest, GetPushersResponse]("GetPushers", baseURL+PathGetPushers, httpClient),
		roomStateGet:      httputil.NewInternalAPIClient[RoomStateGetRequest, RoomStateGetResponse]("RoomStateGet", baseURL+PathRoomStateGet, httpClient),
		roomMembers:       httputil.NewInternalAPIClient[RoomMembersRequest, RoomMembersResponse]("RoomMembers", baseURL+PathRoomMembers, httpClient),
		isJoined:          httputil.NewInternalAPIClient[IsJoinedRequest, IsJoinedResponse]("IsJoined", baseURL+PathIsJoined, httpClient),
		idFromAlias:       httputil.NewInternalAPIClient[IDFromAliasRequest, IDFromAliasResponse]("IDFromAlias", baseURL+PathIDFromAlias, httpClient),
	}
}

func (c *Client) BuildAndAppendPDU(ctx context.Context, req *BuildAndAppendPDURequest, res *BuildAndAppendPDUResponse) error {
	return c.buildAndAppendPDU.Call(ctx, req, res)
}

func (c *Client) SetPusher(ctx context.Context, req *SetPusherRequest, res *SetPusherResponse) error {
	return c.setPusher.Call(ctx, req, res)
}

func (c *Client) GetPushers(ctx context.Context, req *GetPushersRequest, res *GetPushersResponse) error {
	return c.getPushers.Call(ctx, req, res)
}

func (c *Client) RoomStateGet(ctx context.Context, req *RoomStateGetRequest, res *RoomStateGetResponse) error {
	return c.roomStateGet.Call(ctx, req, res)
}

func (c *Client) RoomMembers(ctx context.Context, req *RoomMembersRequest, res *RoomMembersResponse) error {
	return c.roomMembers.Call(ctx, req, res)
}

func (c *Client) IsJoined(ctx context.Context, req *IsJoinedRequest, res *IsJoinedResponse) error {
	return c.isJoined.Call(ctx, req, res)
}

func (c *Client) IDFromAlias(ctx context.Context, req *IDFromAliasRequest, res *IDFromAliasResponse) error {
	return c.idFromAlias.Call(ctx, req, res)
}
