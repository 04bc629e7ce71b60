package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"relay/internal/model"
	"relay/internal/pkg/cache"
)

func newTestRepo(t *testing.T, ttl time.Duration) (*ConversationRepo, *miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewConversationRepo(client, ttl), mr, client
}

func TestConversationRepo_SaveMessage(t *testing.T) {
	Convey("ConversationRepo.SaveMessage 追加消息", t, func() {
		ctx := context.Background()
		repo, mr, _ := newTestRepo(t, 7*24*time.Hour)

		Convey("首次写入创建记录", func() {
			err := repo.SaveMessage(ctx, "conv-1", "user-1", model.Message{
				Role:    model.RoleUser,
				Content: "你好",
			})
			So(err, ShouldBeNil)

			conv, err := repo.GetHistory(ctx, "conv-1", 0)
			So(err, ShouldBeNil)
			So(conv.ConversationID, ShouldEqual, "conv-1")
			So(conv.UserID, ShouldEqual, "user-1")
			So(len(conv.Messages), ShouldEqual, 1)
			So(conv.Messages[0].Role, ShouldEqual, model.RoleUser)
			So(conv.Messages[0].Content, ShouldEqual, "你好")
			So(conv.Messages[0].Timestamp.IsZero(), ShouldBeFalse)
		})

		Convey("多次写入保持时间顺序", func() {
			contents := []string{"第一条", "第二条", "第三条"}
			for _, c := range contents {
				err := repo.SaveMessage(ctx, "conv-2", "user-1", model.Message{
					Role:    model.RoleUser,
					Content: c,
				})
				So(err, ShouldBeNil)
			}

			conv, err := repo.GetHistory(ctx, "conv-2", 0)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 3)
			for i, c := range contents {
				So(conv.Messages[i].Content, ShouldEqual, c)
			}
		})

		Convey("非法角色拒绝写入", func() {
			err := repo.SaveMessage(ctx, "conv-3", "user-1", model.Message{
				Role:    "moderator",
				Content: "hi",
			})
			So(errors.Is(err, ErrInvalidRole), ShouldBeTrue)
		})

		Convey("每次写入重置 TTL", func() {
			err := repo.SaveMessage(ctx, "conv-4", "user-1", model.Message{
				Role:    model.RoleUser,
				Content: "hi",
			})
			So(err, ShouldBeNil)
			So(mr.TTL(cache.ConversationKey("conv-4")), ShouldEqual, 7*24*time.Hour)

			// TTL 消耗一部分后再次写入，应回到完整时长
			mr.FastForward(24 * time.Hour)
			err = repo.SaveMessage(ctx, "conv-4", "user-1", model.Message{
				Role:    model.RoleAssistant,
				Content: "hello",
			})
			So(err, ShouldBeNil)
			So(mr.TTL(cache.ConversationKey("conv-4")), ShouldEqual, 7*24*time.Hour)
		})

		Convey("并发写入同一对话不丢消息", func() {
			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_ = repo.SaveMessage(ctx, "conv-5", "user-1", model.Message{
						Role:    model.RoleUser,
						Content: fmt.Sprintf("msg-%d", i),
					})
				}(i)
			}
			wg.Wait()

			conv, err := repo.GetHistory(ctx, "conv-5", 0)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, n)
		})
	})
}

func TestConversationRepo_EnsureSystemPrompt(t *testing.T) {
	Convey("ConversationRepo.EnsureSystemPrompt 系统提示注入", t, func() {
		ctx := context.Background()
		repo, _, _ := newTestRepo(t, time.Hour)

		Convey("空对话插入系统提示", func() {
			inserted, err := repo.EnsureSystemPrompt(ctx, "conv-1", "user-1", "你是一个助手")
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			conv, err := repo.GetHistory(ctx, "conv-1", 0)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 1)
			So(conv.Messages[0].Role, ShouldEqual, model.RoleSystem)
			So(conv.Messages[0].Content, ShouldEqual, "你是一个助手")
		})

		Convey("首条已是 system 时不重复插入", func() {
			inserted, err := repo.EnsureSystemPrompt(ctx, "conv-2", "user-1", "提示A")
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			inserted, err = repo.EnsureSystemPrompt(ctx, "conv-2", "user-1", "提示B")
			So(err, ShouldBeNil)
			So(inserted, ShouldBeFalse)

			conv, err := repo.GetHistory(ctx, "conv-2", 0)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 1)
			So(conv.Messages[0].Content, ShouldEqual, "提示A")
		})

		Convey("已有用户消息时插入到头部", func() {
			err := repo.SaveMessage(ctx, "conv-3", "user-1", model.Message{
				Role:    model.RoleUser,
				Content: "你好",
			})
			So(err, ShouldBeNil)

			inserted, err := repo.EnsureSystemPrompt(ctx, "conv-3", "user-1", "你是一个助手")
			So(err, ShouldBeNil)
			So(inserted, ShouldBeTrue)

			conv, err := repo.GetHistory(ctx, "conv-3", 0)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 2)
			So(conv.Messages[0].Role, ShouldEqual, model.RoleSystem)
			So(conv.Messages[1].Role, ShouldEqual, model.RoleUser)
		})
	})
}

func TestConversationRepo_GetHistory(t *testing.T) {
	Convey("ConversationRepo.GetHistory 历史查询", t, func() {
		ctx := context.Background()
		repo, mr, client := newTestRepo(t, time.Hour)

		Convey("不存在的对话返回 ErrConversationNotFound", func() {
			_, err := repo.GetHistory(ctx, "missing", 0)
			So(errors.Is(err, ErrConversationNotFound), ShouldBeTrue)
		})

		Convey("limit 只保留最新的若干条", func() {
			for i := 0; i < 5; i++ {
				err := repo.SaveMessage(ctx, "conv-1", "user-1", model.Message{
					Role:    model.RoleUser,
					Content: fmt.Sprintf("msg-%d", i),
				})
				So(err, ShouldBeNil)
			}

			conv, err := repo.GetHistory(ctx, "conv-1", 2)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 2)
			So(conv.Messages[0].Content, ShouldEqual, "msg-3")
			So(conv.Messages[1].Content, ShouldEqual, "msg-4")
		})

		Convey("limit 为 1 返回最后一条", func() {
			err := repo.SaveMessage(ctx, "conv-2", "user-1", model.Message{Role: model.RoleUser, Content: "first"})
			So(err, ShouldBeNil)
			err = repo.SaveMessage(ctx, "conv-2", "user-1", model.Message{Role: model.RoleAssistant, Content: "last"})
			So(err, ShouldBeNil)

			conv, err := repo.GetHistory(ctx, "conv-2", 1)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 1)
			So(conv.Messages[0].Content, ShouldEqual, "last")
		})

		Convey("limit 大于消息数时全量返回", func() {
			err := repo.SaveMessage(ctx, "conv-3", "user-1", model.Message{Role: model.RoleUser, Content: "only"})
			So(err, ShouldBeNil)

			conv, err := repo.GetHistory(ctx, "conv-3", 100)
			So(err, ShouldBeNil)
			So(len(conv.Messages), ShouldEqual, 1)
		})

		Convey("损坏的 JSON 返回 ErrCorruptedConversation", func() {
			mr.Set(cache.ConversationKey("broken"), "{not json")

			_, err := repo.GetHistory(ctx, "broken", 0)
			So(errors.Is(err, ErrCorruptedConversation), ShouldBeTrue)
		})

		Convey("不认识的记录版本按损坏处理", func() {
			mr.Set(cache.ConversationKey("future"), `{"version":99,"conversation_id":"future","messages":[]}`)

			_, err := repo.GetHistory(ctx, "future", 0)
			So(errors.Is(err, ErrCorruptedConversation), ShouldBeTrue)
		})

		Convey("存储不可用返回 ErrStoreUnavailable", func() {
			_ = client // 保持连接创建顺序
			mr.Close()

			_, err := repo.GetHistory(ctx, "any", 0)
			So(errors.Is(err, ErrStoreUnavailable), ShouldBeTrue)
		})
	})
}

func TestConversationRepo_Delete(t *testing.T) {
	Convey("ConversationRepo.Delete 删除对话", t, func() {
		ctx := context.Background()
		repo, mr, _ := newTestRepo(t, time.Hour)

		Convey("删除存在的对话", func() {
			err := repo.SaveMessage(ctx, "conv-1", "user-1", model.Message{Role: model.RoleUser, Content: "hi"})
			So(err, ShouldBeNil)

			deleted, err := repo.Delete(ctx, "conv-1")
			So(err, ShouldBeNil)
			So(deleted, ShouldBeTrue)

			_, err = repo.GetHistory(ctx, "conv-1", 0)
			So(errors.Is(err, ErrConversationNotFound), ShouldBeTrue)
		})

		Convey("删除不存在的对话返回 false", func() {
			deleted, err := repo.Delete(ctx, "missing")
			So(err, ShouldBeNil)
			So(deleted, ShouldBeFalse)
		})

		Convey("损坏的记录同样可以删除", func() {
			mr.Set(cache.ConversationKey("broken"), "{not json")

			deleted, err := repo.Delete(ctx, "broken")
			So(err, ShouldBeNil)
			So(deleted, ShouldBeTrue)
		})

		Convey("删除后从用户索引移除", func() {
			err := repo.SaveMessage(ctx, "conv-2", "user-1", model.Message{Role: model.RoleUser, Content: "hi"})
			So(err, ShouldBeNil)

			_, err = repo.Delete(ctx, "conv-2")
			So(err, ShouldBeNil)

			ids, err := repo.ListIDs(ctx, "user-1")
			So(err, ShouldBeNil)
			So(ids, ShouldBeEmpty)
		})
	})
}

func TestConversationRepo_ListIDs(t *testing.T) {
	Convey("ConversationRepo.ListIDs 按用户列出对话", t, func() {
		ctx := context.Background()
		repo, mr, _ := newTestRepo(t, time.Hour)

		Convey("只返回该用户自己的对话", func() {
			So(repo.SaveMessage(ctx, "conv-a", "alice", model.Message{Role: model.RoleUser, Content: "hi"}), ShouldBeNil)
			So(repo.SaveMessage(ctx, "conv-b", "alice", model.Message{Role: model.RoleUser, Content: "hi"}), ShouldBeNil)
			So(repo.SaveMessage(ctx, "conv-c", "bob", model.Message{Role: model.RoleUser, Content: "hi"}), ShouldBeNil)

			ids, err := repo.ListIDs(ctx, "alice")
			So(err, ShouldBeNil)
			So(ids, ShouldResemble, []string{"conv-a", "conv-b"})

			ids, err = repo.ListIDs(ctx, "bob")
			So(err, ShouldBeNil)
			So(ids, ShouldResemble, []string{"conv-c"})
		})

		Convey("没有对话的用户返回空", func() {
			ids, err := repo.ListIDs(ctx, "nobody")
			So(err, ShouldBeNil)
			So(ids, ShouldBeEmpty)
		})

		Convey("TTL 过期的残留索引被清理", func() {
			So(repo.SaveMessage(ctx, "conv-a", "alice", model.Message{Role: model.RoleUser, Content: "hi"}), ShouldBeNil)
			So(repo.SaveMessage(ctx, "conv-b", "alice", model.Message{Role: model.RoleUser, Content: "hi"}), ShouldBeNil)

			// conv-a 的记录过期，索引里残留
			mr.Del(cache.ConversationKey("conv-a"))

			ids, err := repo.ListIDs(ctx, "alice")
			So(err, ShouldBeNil)
			So(ids, ShouldResemble, []string{"conv-b"})

			// 残留已被剔除，索引集合里不再有 conv-a
			member, err := mr.SIsMember(cache.UserConversationsKey("alice"), "conv-a")
			So(err, ShouldBeNil)
			So(member, ShouldBeFalse)
		})
	})
}
