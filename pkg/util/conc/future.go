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

// Future 表示一个尚未完成的异步任务结果。
// value 与 err 仅在 ch 关闭之后可读。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

// Await 阻塞等待任务完成，返回结果和错误。
func (future *Future[T]) Await() (T, error) {
	<-future.ch
	return future.value, future.err
}

// Value 阻塞等待任务完成，仅返回结果。
func (future *Future[T]) Value() T {
	<-future.ch
	return future.value
}

// Err 阻塞等待任务完成，仅返回错误。
func (future *Future[T]) Err() error {
	<-future.ch
	return future.err
}

// Done 返回用于等待任务完成的只读通道。
func (future *Future[T]) Done() <-chan struct{} {
	return future.ch
}

// AwaitAll 等待所有 Future 完成，返回第一个出现的错误。
func AwaitAll[T future](futures ...T) error {
	for i := range futures {
		if err := futures[i].Err(); err != nil {
			return err
		}
	}
	return nil
}

type future interface {
	Err() error
}

// Go 在独立协程中执行 method，返回对应的 Future。
// 用于替代裸的 go 关键字，让调用方可以等待结果或错误。
func Go[T any](method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
		defer close(future.ch)
		future.value, future.err = method()
	}()
	return future
}
