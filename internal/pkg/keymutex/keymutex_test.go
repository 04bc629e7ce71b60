package keymutex

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestKeyMutex(t *testing.T) {
	Convey("KeyMutex 按key串行化", t, func() {
		km := New()

		Convey("同一key的并发临界区互斥", func() {
			const n = 100
			counter := 0
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock := km.Lock("same-key")
					defer unlock()
					counter++
				}()
			}
			wg.Wait()
			So(counter, ShouldEqual, n)
		})

		Convey("不同key互不阻塞", func() {
			unlockA := km.Lock("key-a")
			defer unlockA()

			// key-a 持锁时 key-b 仍可获取
			done := make(chan struct{})
			go func() {
				unlockB := km.Lock("key-b")
				unlockB()
				close(done)
			}()
			<-done
		})

		Convey("释放后条目被回收", func() {
			unlock := km.Lock("transient")
			unlock()

			km.mu.Lock()
			_, exists := km.locks["transient"]
			km.mu.Unlock()
			So(exists, ShouldBeFalse)
		})

		Convey("重复加锁解锁不泄漏", func() {
			for i := 0; i < 10; i++ {
				unlock := km.Lock("reused")
				unlock()
			}

			km.mu.Lock()
			size := len(km.locks)
			km.mu.Unlock()
			So(size, ShouldEqual, 0)
		})
	})
}
