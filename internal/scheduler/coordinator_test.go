package scheduler

import "testing"

func TestCoordinator_ShardOwns_NilIsSingleShard(t *testing.T) {
	var c *Coordinator
	if !c.ShardOwns("user-1") {
		t.Fatal("nil coordinator should own every user")
	}
}

func TestCoordinator_ShardOwns_Partitions(t *testing.T) {
	const shardCount = 4
	shards := make([]*Coordinator, shardCount)
	for i := range shards {
		shards[i] = newCoordinatorWithClient(nil, i, shardCount)
	}

	users := []string{"user-a", "user-b", "user-c", "user-d", "user-e", "user-f"}
	for _, u := range users {
		owners := 0
		for _, s := range shards {
			if s.ShardOwns(u) {
				owners++
			}
		}
		if owners != 1 {
			t.Fatalf("user %s owned by %d shards, want exactly 1", u, owners)
		}
	}
}

func TestCoordinator_Claim_NilAlwaysClaims(t *testing.T) {
	var c *Coordinator
	ok, release := c.Claim(nil, "user-1", "mail")
	if !ok {
		t.Fatal("nil coordinator should always claim")
	}
	release()
}
