// Copyright 2025 Arion Yau
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

package hub

import (
	"context"
	"fmt"

	"courier/internal/broadcast"
	"courier/internal/envelope"
	"courier/internal/statesync"
)

// SyncPublisher replicates local sync writes on the sync-events channel
type SyncPublisher struct {
	Broadcast *broadcast.Manager
	Source    envelope.Source
}

func (p *SyncPublisher) PublishSync(ctx context.Context, msg statesync.Message) error {
	res, err := p.Broadcast.BroadcastEvent(ctx, broadcast.Event{
		Type:     envelope.TypeSyncData,
		Channel:  broadcast.ChannelSyncEvents,
		Source:   p.Source,
		Data:     msg,
		Priority: envelope.PriorityNormal,
		Tags:     []string{"sync:" + msg.DataType},
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("sync message reached %d of %d peers", res.ComponentsReached, res.ComponentsReached+res.ComponentsFailed)
	}
	return nil
}
