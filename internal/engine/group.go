package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shuttledb/shuttle/internal/logger"
	"github.com/shuttledb/shuttle/internal/models"
)

// LinkingInfo describes how a task relates to its linked peers.
type LinkingInfo struct {
	HasLinks bool
	// GroupTag is set when the members share a named group.
	GroupTag string
	// Members is ordered by execution order, then id.
	Members []models.TaskDefinition
	// CoordinatorTaskID is the member carrying the post-update, if any.
	CoordinatorTaskID string
	// IsCoordinator reports whether the queried task is the coordinator.
	IsCoordinator bool
}

// LinkingInfoFor resolves the group or ad-hoc link set around taskID.
func (e *Engine) LinkingInfoFor(ctx context.Context, taskID string) (LinkingInfo, error) {
	task, err := e.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		return LinkingInfo{}, err
	}

	var info LinkingInfo
	if task.LinkedGroup != "" {
		members, err := e.repo.FindGroupMembers(ctx, task.LinkedGroup)
		if err != nil {
			return LinkingInfo{}, err
		}
		info.GroupTag = task.LinkedGroup
		info.Members = members
	} else {
		// Ad-hoc links are honored in both directions, so the lookup runs
		// even when this task declares none itself.
		ids, err := e.repo.FindLinked(ctx, task.ID)
		if err != nil {
			return LinkingInfo{}, err
		}
		if len(ids) == 0 {
			return LinkingInfo{}, nil
		}
		members := []models.TaskDefinition{*task}
		for _, id := range ids {
			linked, err := e.repo.GetTaskByID(ctx, id)
			if err != nil {
				logger.Warn("linked task unavailable, skipping",
					"task", task.ID, "linked", id, "error", err)
				continue
			}
			if linked.Active {
				members = append(members, *linked)
			}
		}
		sort.SliceStable(members, func(i, j int) bool {
			if members[i].LinkedExecutionOrder != members[j].LinkedExecutionOrder {
				return members[i].LinkedExecutionOrder < members[j].LinkedExecutionOrder
			}
			return members[i].ID < members[j].ID
		})
		info.Members = members
	}

	if len(info.Members) < 2 {
		// A group of one behaves like a plain task.
		return LinkingInfo{}, nil
	}
	info.HasLinks = true
	for _, m := range info.Members {
		if m.HasPostUpdate() {
			info.CoordinatorTaskID = m.ID
			break
		}
	}
	info.IsCoordinator = info.CoordinatorTaskID == taskID
	return info, nil
}

// ExecuteGroup runs the task and its linked peers as one coordinated unit.
// Members run serially with their own post-updates suppressed; the
// coordinator's post-update runs once afterwards over the union of affected
// keys. A task with no links degrades to a plain single run.
func (e *Engine) ExecuteGroup(ctx context.Context, triggerTaskID string, origin Origin) models.GroupResult {
	info, err := e.LinkingInfoFor(ctx, triggerTaskID)
	if err != nil {
		logger.Error("group resolution failed",
			"task", triggerTaskID, "error", err)
		exec := models.NewTaskExecution(uuid.NewString(), triggerTaskID)
		exec.Finish(models.StatusFailed)
		member := models.Failed(exec, "", "group resolution failed", err.Error())
		return models.GroupResult{Members: []models.TransferResult{member}}
	}

	if !info.HasLinks {
		res := e.Run(ctx, triggerTaskID, origin)
		return models.GroupResult{
			Members: []models.TransferResult{res},
			Success: res.Success,
		}
	}

	group := models.GroupResult{
		GroupTag:          info.GroupTag,
		GroupExecutionID:  uuid.NewString(),
		CoordinatorTaskID: info.CoordinatorTaskID,
	}
	if info.CoordinatorTaskID == "" {
		logger.Warn("linked group has no coordinator, post-update skipped",
			"group", info.GroupTag, "members", len(info.Members))
	}
	logger.Info("group transfer starting",
		"group", info.GroupTag, "execution", group.GroupExecutionID,
		"members", len(info.Members), "coordinator", info.CoordinatorTaskID)

	var (
		affected    []any
		coordinator *models.TaskDefinition
		memberIDs   = make([]string, 0, len(info.Members))
	)
	for i := range info.Members {
		member := info.Members[i]
		memberIDs = append(memberIDs, member.ID)
		if member.ID == info.CoordinatorTaskID {
			coordinator = &member
		}

		res := e.runTask(ctx, &member, origin, runOpts{
			groupExecID:        group.GroupExecutionID,
			suppressPostUpdate: true,
			collectKeys:        info.CoordinatorTaskID != "",
		})
		res.IsGroupMember = true
		res.GroupName = info.GroupTag
		group.Members = append(group.Members, res)
		affected = append(affected, res.AffectedKeys...)

		if res.Status == models.StatusCancelled {
			logger.Warn("group cancelled, remaining members skipped",
				"group", info.GroupTag, "after", member.ID)
			break
		}
	}

	allDone := len(group.Members) == len(info.Members)
	if coordinator != nil && allDone && len(affected) > 0 {
		group.PostUpdateRan = true
		if err := e.groupPostUpdate(ctx, coordinator, affected); err != nil {
			group.PostUpdateError = err.Error()
		}
	}

	e.stampGroup(memberIDs, group.GroupExecutionID)
	group.Success = group.SuccessfulMembers() == len(info.Members)

	logger.Info("group transfer finished",
		"group", info.GroupTag, "execution", group.GroupExecutionID,
		"successful", group.SuccessfulMembers(), "members", len(info.Members),
		"post_update_ran", group.PostUpdateRan)
	return group
}

// groupPostUpdate leases the coordinator's source endpoint and runs its
// post-update over the union of the members' affected keys.
func (e *Engine) groupPostUpdate(ctx context.Context, coordinator *models.TaskDefinition, keys []any) error {
	srcKey, _ := endpointKeys(coordinator.TransferType)
	src, err := acquireLease(ctx, e.conns, srcKey)
	if err != nil {
		logger.Error("group post-update connection failed",
			"task", coordinator.ID, "error", err)
		return err
	}
	defer src.release()

	out, err := e.postUpdate(ctx, src, coordinator.ID,
		coordinator.PostUpdateQuery, coordinator.PostUpdateKey(), keys)
	if err != nil {
		return err
	}
	if out.FailedWindows > 0 {
		return models.Tagf(models.KindPostUpdatePartial,
			"%d of %d post-update windows failed", out.FailedWindows, out.Windows)
	}
	logger.Info("group post-update finished",
		"task", coordinator.ID, "keys", len(keys), "rows", out.RowsAffected)
	return nil
}

// stampGroup records the group run on every member that actually executed.
func (e *Engine) stampGroup(memberIDs []string, groupExecutionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.repo.SetGroupExecution(ctx, memberIDs, groupExecutionID, time.Now()); err != nil {
		logger.Error("failed to stamp group execution",
			"group_execution", groupExecutionID, "error", err)
	}
}
