// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"fmt"

	ants "github.com/panjf2000/ants/v2"
)

// Pool 是 ants.Pool 的泛型封装。
// 与直接使用 goroutine 相比，协程池可以限制并发数量并复用协程栈。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		// 仅当参数非法时才会出错，此处直接 panic 暴露编程错误。
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 向协程池提交一个任务，返回对应的 Future。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if v := recover(); v != nil {
				future.err = fmt.Errorf("panic occurred in task: %v", v)
				if !pool.opt.concealPanic {
					panic(v)
				}
			}
		}()
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		res, err := method()
		if err != nil {
			future.err = err
			return
		}
		future.value = res
	})
	if err != nil {
		future.err = err
		close(future.ch)
	}

	return future
}

// Cap 返回协程池的容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回当前正在运行的任务数量。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回当前空闲的 worker 数量。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Release 关闭协程池并回收 worker。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}
